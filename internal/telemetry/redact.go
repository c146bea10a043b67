package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const redacted = "***REDACTED***"

// RedactHandler wraps a slog handler and scrubs registered credential values
// (provider API keys, server bearer keys) from messages and string attributes.
type RedactHandler struct {
	inner   slog.Handler
	mu      *sync.RWMutex
	secrets map[string]struct{}
}

// NewRedactHandler creates a handler that redacts values added with AddSecret.
func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{
		inner:   inner,
		mu:      &sync.RWMutex{},
		secrets: make(map[string]struct{}),
	}
}

// AddSecret registers a value to be redacted. Empty values are ignored.
func (h *RedactHandler) AddSecret(value string) {
	if value == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.secrets[value] = struct{}{}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, record slog.Record) error {
	secrets := h.snapshot()
	if len(secrets) == 0 {
		return h.inner.Handle(ctx, record)
	}

	out := slog.NewRecord(record.Time, record.Level, scrub(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs shares the parent's secret set.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := h.snapshot()
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a, secrets)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(clean), mu: h.mu, secrets: h.secrets}
}

// WithGroup shares the parent's secret set.
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name), mu: h.mu, secrets: h.secrets}
}

func (h *RedactHandler) snapshot() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.secrets))
	for s := range h.secrets {
		out = append(out, s)
	}
	return out
}

func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	return s
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, scrub(a.Value.String(), secrets))
	case slog.KindGroup:
		group := a.Value.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = redactAttr(g, secrets)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, scrub(err.Error(), secrets))
		}
	}
	return a
}
