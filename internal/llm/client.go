// Package llm defines the outbound transports that open streaming chat
// requests against remote text-generation services.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/szaher/agentdeck/internal/stream"
	"github.com/tidwall/gjson"
)

// Role represents a message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single message in a request payload.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest contains the parameters of one outbound request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`

	// RequestID is sent as X-Request-ID for log correlation.
	RequestID string `json:"-"`
}

// Stream is an open response body together with the dialect needed to
// decode it. The caller must close Body.
type Stream struct {
	Body    io.ReadCloser
	Dialect stream.Dialect
}

// Client is the interface for outbound text-generation calls.
type Client interface {
	// Stream transmits req and returns once a successful response has
	// started. Errors are transport failures or *StatusError.
	Stream(ctx context.Context, req ChatRequest) (*Stream, error)

	// Complete sends a non-streaming request and returns the full text.
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// ErrInvalidRequest marks failures to build a request. They are never retried.
var ErrInvalidRequest = errors.New("invalid request")

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := e.Body
	if m := gjson.Get(e.Body, "error.message"); m.Exists() {
		msg = m.String()
	} else if m := gjson.Get(e.Body, "error"); m.Type == gjson.String {
		msg = m.String()
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, msg)
}

// Retryable reports whether the status indicates a transient condition.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Retryable reports whether an error from Client.Stream may succeed if the
// request is sent again. Connection-level failures are retryable; request
// construction errors, cancellation and non-transient statuses are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrInvalidRequest) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
