// Package telemetry provides logging and metrics for the conversation engine.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewLogger creates a structured JSON logger.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// NewRedactingLogger is NewLogger with the given secrets scrubbed from every
// record.
func NewRedactingLogger(w io.Writer, level slog.Level, secrets ...string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	h := NewRedactHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	for _, s := range secrets {
		h.AddSecret(s)
	}
	return slog.New(h)
}

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new UUID is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogger returns a logger with turn-scoped fields.
func RequestLogger(logger *slog.Logger, ctx context.Context, agent, turnID string) *slog.Logger {
	attrs := []any{
		slog.String("agent", agent),
	}
	if turnID != "" {
		attrs = append(attrs, slog.String("turn_id", turnID))
	}
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	return logger.With(attrs...)
}
