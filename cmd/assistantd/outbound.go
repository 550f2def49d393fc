package main

import (
	"context"
	"log/slog"

	"github.com/familyledger/core/internal/model"
)

// logOutbound is a placeholder reminder.Outbound. The actual messenger
// delivery adapter is an external collaborator per spec.md §1 ("the
// ingress adapters... are out of scope, interface-only"); this stands
// in for it until a concrete channel adapter is wired, logging instead
// of delivering.
type logOutbound struct {
	logger *slog.Logger
}

func (o logOutbound) Send(ctx context.Context, r *model.Reminder) error {
	o.logger.Info("reminder.delivery", "reminder_id", r.ID, "user_id", r.UserID, "payload", r.Payload)
	return nil
}
