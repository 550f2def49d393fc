// Package telemetry wires structured logging (log/slog, the teacher's
// own ambient choice — see pkg/logger/logger.go) and OpenTelemetry
// tracing for the orchestrator's per-step spans (spec.md §4.1, §9).
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a string log level to slog.Level, defaulting to
// Info on anything unrecognized — adapted from the teacher's
// pkg/logger.ParseLevel.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process-wide slog.Logger at the given level,
// emitting JSON records (suitable for log aggregation in production).
func NewLogger(levelStr string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(levelStr)})
	return slog.New(h)
}

type traceIDKey struct{}

// WithTraceID attaches a trace id to the context so nested calls can
// recover it for logging and tool-call propagation without threading
// an explicit parameter through every signature.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext recovers the trace id attached by WithTraceID, or
// "" if none was attached.
func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey{}).(string)
	return v
}

// StepLogger returns a logger pre-bound with trace_id/principal/step
// attributes, matching spec.md §4.1's "each step logs
// step.{name}.completed with elapsed ms and a stable trace_id".
func StepLogger(base *slog.Logger, traceID, principal, step string) *slog.Logger {
	return base.With("trace_id", traceID, "principal", principal, "step", step)
}
