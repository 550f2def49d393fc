package toolservice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/familyledger/core/internal/model"
	"github.com/familyledger/core/internal/store"
)

type scheduleReminderArgs struct {
	UserID   string  `json:"user_id" jsonschema:"required"`
	RemindAt string  `json:"remind_at" jsonschema:"required,description=ISO-8601 timestamp"`
	Payload  string  `json:"payload" jsonschema:"required"`
	MemoryID *string `json:"memory_id,omitempty"`
	Channel  string  `json:"channel,omitempty"`
}

func newScheduleReminderTool(s store.ReminderStore) Tool {
	spec := Spec{
		Name:          "schedule_reminder",
		Description:   "Insert a reminder row for later dispatch.",
		InputSchema:   generateSchema[scheduleReminderArgs](),
		XCapabilities: []string{"write"},
		XTimeBudget:   2 * time.Second,
		XLatencyHint:  "fast",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var a scheduleReminderArgs
		if err := decodeInto(args, &a); err != nil {
			return nil, err
		}
		if a.UserID == "" || a.Payload == "" {
			return nil, fmt.Errorf("toolservice: schedule_reminder requires user_id and payload")
		}
		remindAt, err := time.Parse(time.RFC3339, a.RemindAt)
		if err != nil {
			return nil, fmt.Errorf("toolservice: schedule_reminder: invalid remind_at: %w", err)
		}
		r := &model.Reminder{
			ID:       uuid.NewString(),
			UserID:   a.UserID,
			MemoryID: a.MemoryID,
			RemindAt: remindAt,
			Payload:  a.Payload,
			Channel:  a.Channel,
		}
		if err := s.CreateReminder(ctx, r); err != nil {
			return nil, fmt.Errorf("toolservice: schedule_reminder: %w", err)
		}
		return map[string]any{"id": r.ID}, nil
	})
}

type getPendingRemindersArgs struct {
	UserID string `json:"user_id,omitempty"`
	Before string `json:"before,omitempty" jsonschema:"description=ISO-8601 timestamp, defaults to now"`
}

func newGetPendingRemindersTool(s store.ReminderStore) Tool {
	spec := Spec{
		Name:          "get_pending_reminders",
		Description:   "Return due and unsent reminders.",
		InputSchema:   generateSchema[getPendingRemindersArgs](),
		XCapabilities: []string{"read"},
		XTimeBudget:   2 * time.Second,
		XLatencyHint:  "fast",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var a getPendingRemindersArgs
		if err := decodeInto(args, &a); err != nil {
			return nil, err
		}
		before := time.Now().UTC()
		if a.Before != "" {
			parsed, err := time.Parse(time.RFC3339, a.Before)
			if err != nil {
				return nil, fmt.Errorf("toolservice: get_pending_reminders: invalid before: %w", err)
			}
			before = parsed
		}
		reminders, err := s.GetPendingReminders(ctx, a.UserID, before)
		if err != nil {
			return nil, fmt.Errorf("toolservice: get_pending_reminders: %w", err)
		}
		return map[string]any{"reminders": reminders}, nil
	})
}

type markReminderSentArgs struct {
	ID string `json:"id" jsonschema:"required"`
}

func newMarkReminderSentTool(s store.ReminderStore) Tool {
	spec := Spec{
		Name:          "mark_reminder_sent",
		Description:   "Set sent_at=now() on a reminder. Idempotent.",
		InputSchema:   generateSchema[markReminderSentArgs](),
		XCapabilities: []string{"write"},
		XTimeBudget:   2 * time.Second,
		XLatencyHint:  "fast",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var a markReminderSentArgs
		if err := decodeInto(args, &a); err != nil {
			return nil, err
		}
		if a.ID == "" {
			return nil, fmt.Errorf("toolservice: mark_reminder_sent requires id")
		}
		if err := s.MarkReminderSent(ctx, a.ID, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("toolservice: mark_reminder_sent: %w", err)
		}
		return map[string]any{"id": a.ID, "sent": true}, nil
	})
}
