package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/szaher/agentdeck/internal/stream"
)

// MockResponse scripts one streamed response from the mock client. The body
// is written in the OpenAI chat-completions dialect.
type MockResponse struct {
	// Deltas are sent as one record each.
	Deltas []string

	// Raw, when set, is written verbatim instead of Deltas.
	Raw string

	// Truncate ends the body without the [DONE] sentinel.
	Truncate bool

	// FailAfter > 0 breaks the body with FailErr after that many deltas.
	FailAfter int
	FailErr   error

	// Hold keeps the body open after the last delta until the reader closes
	// it or the request context ends.
	Hold bool

	// Delay is slept before every delta; FirstByteDelay before the first byte.
	Delay          time.Duration
	FirstByteDelay time.Duration

	// ChunkSize > 0 splits the encoded body into writes of that size.
	ChunkSize int

	// OpenErr is returned from Stream without opening a body.
	OpenErr error
}

// MockCompletion scripts one Complete result.
type MockCompletion struct {
	Text string
	Err  error

	// Block waits for the request context to end and returns its error.
	Block bool
}

// MockClient is a scriptable Client for tests. Responses are returned in
// order; when exhausted, the last one repeats.
type MockClient struct {
	mu          sync.Mutex
	responses   []MockResponse
	completions []MockCompletion
	streamIdx   int
	completeIdx int
	calls       []ChatRequest
	completes   []ChatRequest
}

// NewMockClient creates a mock client with a sequence of stream responses.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

// AddCompletions appends scripted Complete results.
func (m *MockClient) AddCompletions(c ...MockCompletion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, c...)
}

// Stream returns a body that plays back the next scripted response.
func (m *MockClient) Stream(ctx context.Context, req ChatRequest) (*Stream, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock: no responses configured")
	}
	idx := m.streamIdx
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.streamIdx++
	}
	resp := m.responses[idx]
	m.mu.Unlock()

	if resp.OpenErr != nil {
		return nil, resp.OpenErr
	}

	pr, pw := io.Pipe()
	body := &mockBody{PipeReader: pr, closed: make(chan struct{})}
	go play(ctx, resp, pw, body.closed)
	return &Stream{Body: body, Dialect: stream.OpenAIChat{}}, nil
}

// Complete returns the next scripted completion.
func (m *MockClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	m.mu.Lock()
	m.completes = append(m.completes, req)
	if len(m.completions) == 0 {
		m.mu.Unlock()
		return "", fmt.Errorf("mock: no completions configured")
	}
	idx := m.completeIdx
	if idx >= len(m.completions) {
		idx = len(m.completions) - 1
	} else {
		m.completeIdx++
	}
	c := m.completions[idx]
	m.mu.Unlock()

	if c.Block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return c.Text, c.Err
}

// Calls returns all Stream requests made to the mock client.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// CompleteCalls returns all Complete requests made to the mock client.
func (m *MockClient) CompleteCalls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.completes...)
}

// EncodeDelta renders text as one chat-completions SSE record.
func EncodeDelta(text string) string {
	b, _ := json.Marshal(text)
	return `data: {"choices":[{"delta":{"content":` + string(b) + `}}]}` + "\n\n"
}

type mockBody struct {
	*io.PipeReader
	once   sync.Once
	closed chan struct{}
}

func (b *mockBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return b.PipeReader.Close()
}

func play(ctx context.Context, resp MockResponse, pw *io.PipeWriter, closed <-chan struct{}) {
	wait := func(d time.Duration) bool {
		if d <= 0 {
			return true
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return true
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
			return false
		case <-closed:
			return false
		}
	}
	write := func(s string) bool {
		data := []byte(s)
		step := resp.ChunkSize
		if step <= 0 {
			step = len(data)
		}
		for len(data) > 0 {
			n := min(step, len(data))
			if _, err := pw.Write(data[:n]); err != nil {
				return false
			}
			data = data[n:]
		}
		return true
	}

	if !wait(resp.FirstByteDelay) {
		return
	}

	if resp.Raw != "" {
		if !write(resp.Raw) {
			return
		}
	} else {
		for i, d := range resp.Deltas {
			if resp.FailAfter > 0 && i == resp.FailAfter {
				err := resp.FailErr
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				pw.CloseWithError(err)
				return
			}
			if i > 0 && !wait(resp.Delay) {
				return
			}
			if !write(EncodeDelta(d)) {
				return
			}
		}
		if resp.FailAfter > 0 && resp.FailAfter >= len(resp.Deltas) {
			err := resp.FailErr
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			pw.CloseWithError(err)
			return
		}
	}

	if resp.Hold {
		select {
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
		case <-closed:
		}
		return
	}

	if resp.Raw == "" && !resp.Truncate {
		if !write("data: [DONE]\n\n") {
			return
		}
	}
	pw.Close()
}
