// Package reminder is the Reminder Dispatcher of spec.md §4.10: a
// single background task that polls get_pending_reminders at a fixed
// cadence, hands each due reminder to an outbound channel adapter, and
// calls mark_reminder_sent on success. Dispatch is at-least-once;
// mark_reminder_sent's idempotence is the deduplication fence.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/familyledger/core/internal/model"
)

// DefaultPollInterval is spec.md §4.10's "e.g., every 30 s".
const DefaultPollInterval = 30 * time.Second

// Dispatcher is the narrow seam onto the tool service this package
// needs — the same two-tool slice the orchestrator uses, kept separate
// from toolexec.Dispatcher since the poll loop never runs a tool_plan.
type Dispatcher interface {
	GetPendingReminders(ctx context.Context, before time.Time) ([]*model.Reminder, error)
	MarkReminderSent(ctx context.Context, id string) error
}

// Outbound is the external collaborator that actually delivers a
// reminder over its channel (SMS, chat webhook, push, …).
type Outbound interface {
	Send(ctx context.Context, r *model.Reminder) error
}

// Poller runs the fixed-cadence poll → dispatch → mark-sent loop.
type Poller struct {
	dispatcher Dispatcher
	outbound   Outbound
	interval   time.Duration
	logger     *slog.Logger

	stop chan struct{}
}

func NewPoller(dispatcher Dispatcher, outbound Outbound, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{dispatcher: dispatcher, outbound: outbound, interval: interval, logger: logger, stop: make(chan struct{})}
}

// Run blocks, polling until ctx is canceled or Stop is called.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// Stop ends a running Run loop without canceling its context.
func (p *Poller) Stop() {
	close(p.stop)
}

func (p *Poller) pollOnce(ctx context.Context) {
	due, err := p.dispatcher.GetPendingReminders(ctx, time.Now().UTC())
	if err != nil {
		p.logger.Error("reminder: polling pending reminders failed", "error", err)
		return
	}
	for _, r := range due {
		p.dispatchOne(ctx, r)
	}
}

// dispatchOne delivers one reminder and marks it sent. A delivery or
// mark-sent failure is logged, not retried inline — the reminder's
// sent_at stays null, so the next poll re-discovers and retries it
// (at-least-once delivery).
func (p *Poller) dispatchOne(ctx context.Context, r *model.Reminder) {
	if err := p.outbound.Send(ctx, r); err != nil {
		p.logger.Error("reminder: outbound delivery failed", "reminder_id", r.ID, "error", err)
		return
	}
	if err := p.dispatcher.MarkReminderSent(ctx, r.ID); err != nil {
		p.logger.Error("reminder: mark_reminder_sent failed", "reminder_id", r.ID, "error", err)
		return
	}
}

// ToolDispatcher adapts a toolservice-style Dispatch function into the
// Dispatcher interface, so the poller can sit behind the same
// toolservice.Registry.Dispatch seam toolexec.Executor uses, without
// importing toolexec's broader Plan/Step machinery.
type ToolDispatcher struct {
	Dispatch func(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

func (d ToolDispatcher) GetPendingReminders(ctx context.Context, before time.Time) ([]*model.Reminder, error) {
	result, err := d.Dispatch(ctx, "get_pending_reminders", map[string]any{"before": before.Format(time.RFC3339)})
	if err != nil {
		return nil, fmt.Errorf("reminder: get_pending_reminders: %w", err)
	}
	raw, ok := result["reminders"].([]*model.Reminder)
	if ok {
		return raw, nil
	}
	return decodeReminders(result["reminders"])
}

func (d ToolDispatcher) MarkReminderSent(ctx context.Context, id string) error {
	_, err := d.Dispatch(ctx, "mark_reminder_sent", map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("reminder: mark_reminder_sent: %w", err)
	}
	return nil
}

// decodeReminders re-marshals a loosely-typed result (as it would
// arrive over the HTTP tool-service boundary, []interface{} of
// map[string]any) into []*model.Reminder.
func decodeReminders(raw any) ([]*model.Reminder, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("reminder: re-marshaling reminders: %w", err)
	}
	var reminders []*model.Reminder
	if err := json.Unmarshal(b, &reminders); err != nil {
		return nil, fmt.Errorf("reminder: decoding reminders: %w", err)
	}
	return reminders, nil
}
