package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/conversation"
	"github.com/szaher/agentdeck/internal/coordinator"
	"github.com/szaher/agentdeck/internal/history"
	"github.com/szaher/agentdeck/internal/llm"
	"github.com/szaher/agentdeck/internal/persona"
	"github.com/szaher/agentdeck/internal/session"
	"github.com/szaher/agentdeck/internal/telemetry"
	"github.com/szaher/agentdeck/internal/testutil"
)

const testKey = "test-api-key"

type mockClients struct{ client llm.Client }

func (m mockClients) ForModel(_, model string) (llm.Client, string, error) {
	return m.client, model, nil
}

type fixture struct {
	srv   *httptest.Server
	coord *coordinator.Coordinator
	store *history.FileStore
}

func newFixture(t *testing.T, client llm.Client, opts ...Option) *fixture {
	t.Helper()
	cat := persona.NewCatalog(testutil.TempDir(t), nil)
	if err := cat.Add(&persona.Persona{Name: "Coder", SystemPrompt: "You write code."}); err != nil {
		t.Fatal(err)
	}
	store, err := history.NewFileStore(testutil.TempDir(t))
	if err != nil {
		t.Fatal(err)
	}
	cfg := coordinator.Config{Agent: agent.DefaultConfig(), DefaultModel: "test-model"}
	cfg.Agent.Session = session.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		RequestTimeout: 2 * time.Second,
		IdleTimeout:    2 * time.Second,
	}
	coord := coordinator.New(cat, mockClients{client: client}, cfg, coordinator.WithStore(store))
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })

	opts = append([]Option{WithAPIKey(testKey), WithRateLimit(0, 0)}, opts...)
	s := New(coord, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, coord: coord, store: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("%s %s: bad JSON %q", method, path, data)
		}
	}
	return resp, out
}

func (f *fixture) waitIdle(t *testing.T, id string) {
	t.Helper()
	a, err := f.coord.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"healthz is open", "/healthz", "", http.StatusOK},
		{"missing key", "/v1/agents", "", http.StatusUnauthorized},
		{"wrong key", "/v1/agents", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "/v1/agents", "Basic " + testKey, http.StatusUnauthorized},
		{"valid key", "/v1/agents", "Bearer " + testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, f.srv.URL+tt.path, nil)
			req.Header.Set("X-Forwarded-For", "198.51.100."+fmt.Sprint(len(tt.name)))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAuthLockout(t *testing.T) {
	s := New(nil, WithAPIKey(testKey), WithRateLimit(0, 0))
	h := s.Handler()
	for i := 0; i < authMaxFailures; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d", i, rec.Code)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("status = %d, Retry-After = %q, want 429 with header", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit(t *testing.T) {
	l := newLimiter(1, 2)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	if !l.allow("a") || !l.allow("a") {
		t.Fatal("burst requests rejected")
	}
	if l.allow("a") {
		t.Error("request beyond burst allowed")
	}
	if !l.allow("b") {
		t.Error("other client limited")
	}
	now = now.Add(time.Second)
	if !l.allow("a") {
		t.Error("refilled token rejected")
	}
}

func TestCreateSendAndRead(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Deltas: []string{"Hi", " there"}}))

	resp, body := f.do(t, http.MethodPost, "/v1/agents", `{"persona":"Coder"}`)
	if resp.StatusCode != http.StatusCreated || body["id"] != "coder" {
		t.Fatalf("create: %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/agents/coder/messages", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusAccepted || body["turn_id"] == "" {
		t.Fatalf("send: %d %v", resp.StatusCode, body)
	}
	f.waitIdle(t, "coder")

	resp, body = f.do(t, http.MethodGet, "/v1/agents/coder/messages", "")
	msgs, _ := body["messages"].([]any)
	if resp.StatusCode != http.StatusOK || len(msgs) != 2 {
		t.Fatalf("messages: %d %v", resp.StatusCode, body)
	}
	if last := msgs[1].(map[string]any); last["content"] != "Hi there" {
		t.Errorf("assistant message = %v", last)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/agents/coder", "")
	if resp.StatusCode != http.StatusOK || body["state"] != "completed" {
		t.Errorf("status: %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/history", "")
	if ids, _ := body["agents"].([]any); resp.StatusCode != http.StatusOK || len(ids) != 1 || ids[0] != "coder" {
		t.Errorf("history: %d %v", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodGet, "/v1/history/coder", "")
	if resp.StatusCode != http.StatusOK || body["persona"] != "Coder" {
		t.Errorf("export: %d %v", resp.StatusCode, body)
	}

	for _, path := range []string{"save", "load", "archive", "cancel", "clear"} {
		resp, _ := f.do(t, http.MethodPost, "/v1/agents/coder/"+path, "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}

	resp, _ = f.do(t, http.MethodDelete, "/v1/agents/coder", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: %d", resp.StatusCode)
	}
}

func TestErrorResponses(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Deltas: []string{"held"}, Hold: true}))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		code   string
	}{
		{"unknown persona", http.MethodPost, "/v1/agents", `{"persona":"Nobody"}`, http.StatusBadRequest, "unknown_persona"},
		{"missing persona", http.MethodPost, "/v1/agents", `{}`, http.StatusBadRequest, "invalid_request"},
		{"unknown agent", http.MethodPost, "/v1/agents/ghost/messages", `{"text":"hi"}`, http.StatusNotFound, "not_found"},
		{"unknown history", http.MethodGet, "/v1/history/ghost", "", http.StatusNotFound, "not_found"},
		{"invalid history id", http.MethodGet, "/v1/history/-bad", "", http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want || body["error"] != tt.code {
				t.Errorf("got %d %v, want %d %s", resp.StatusCode, body, tt.want, tt.code)
			}
		})
	}

	f.do(t, http.MethodPost, "/v1/agents", `{"persona":"Coder"}`)
	resp, body := f.do(t, http.MethodPost, "/v1/agents/coder/messages", `{"text":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty text: %d %v", resp.StatusCode, body)
	}

	if resp, _ := f.do(t, http.MethodPost, "/v1/agents/coder/messages", `{"text":"first"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first send: %d", resp.StatusCode)
	}
	resp, body = f.do(t, http.MethodPost, "/v1/agents/coder/messages", `{"text":"second"}`)
	if resp.StatusCode != http.StatusConflict || body["error"] != "session_busy" {
		t.Errorf("busy send: %d %v", resp.StatusCode, body)
	}
	f.do(t, http.MethodPost, "/v1/agents/coder/cancel", "")
	f.waitIdle(t, "coder")

	if err := os.WriteFile(filepath.Join(f.store.Dir(), "coder.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	resp, body = f.do(t, http.MethodPost, "/v1/agents/coder/load", "")
	if resp.StatusCode != http.StatusUnprocessableEntity || body["error"] != "corrupt_data" {
		t.Errorf("corrupt load: %d %v", resp.StatusCode, body)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(llm.MockResponse{Deltas: []string{"a", "b"}}), WithPingInterval(50*time.Millisecond))
	f.do(t, http.MethodPost, "/v1/agents", `{"persona":"Coder"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/agents/coder/events", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	f.do(t, http.MethodPost, "/v1/agents/coder/messages", `{"text":"go"}`)

	var (
		kinds []string
		pings int
		final map[string]any
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == ": ping":
			pings++
		case strings.HasPrefix(line, "event: "):
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: ") && kinds[len(kinds)-1] == "turn.finalized":
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &final); err != nil {
				t.Fatal(err)
			}
		}
		if final != nil {
			break
		}
	}
	want := []string{"turn.started", "delta", "delta", "turn.finalized"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}
	if final["text"] != "ab" || final["agent_id"] != "coder" {
		t.Errorf("final event = %v", final)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(), WithMetrics(telemetry.NewMetrics()))
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", coordinator.ErrNotFound), http.StatusNotFound},
		{history.ErrNotFound, http.StatusNotFound},
		{coordinator.ErrUnknownPersona, http.StatusBadRequest},
		{agent.ErrSessionBusy, http.StatusConflict},
		{agent.ErrClosed, http.StatusConflict},
		{conversation.ErrInvalidState, http.StatusBadRequest},
		{fmt.Errorf("load: %w", history.ErrCorruptData), http.StatusUnprocessableEntity},
		{agent.ErrNoStore, http.StatusNotImplemented},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
