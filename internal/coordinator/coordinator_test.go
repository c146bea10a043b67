package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/conversation"
	"github.com/szaher/agentdeck/internal/history"
	"github.com/szaher/agentdeck/internal/llm"
	"github.com/szaher/agentdeck/internal/persona"
	"github.com/szaher/agentdeck/internal/session"
	"github.com/szaher/agentdeck/internal/testutil"
)

// fakeClients hands the same mock to every persona.
type fakeClients struct {
	client llm.Client
	err    error
}

func (f fakeClients) ForModel(_, model string) (llm.Client, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.client, model, nil
}

func testCatalog(t *testing.T, names ...string) *persona.Catalog {
	t.Helper()
	cat := persona.NewCatalog(testutil.TempDir(t), nil)
	for _, n := range names {
		if err := cat.Add(&persona.Persona{Name: n, SystemPrompt: "You are " + n + "."}); err != nil {
			t.Fatalf("Add(%s): %v", n, err)
		}
	}
	return cat
}

func testConfig() Config {
	cfg := Config{Agent: agent.DefaultConfig(), DefaultModel: "test-model"}
	cfg.Agent.Session = session.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		RequestTimeout: 2 * time.Second,
		IdleTimeout:    2 * time.Second,
	}
	return cfg
}

func newStore(t *testing.T) *history.FileStore {
	t.Helper()
	s, err := history.NewFileStore(testutil.TempDir(t))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func waitIdle(t *testing.T, c *Coordinator, id string) {
	t.Helper()
	a, err := c.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Wait(ctx); err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
}

func TestCreateAgentAssignsUniqueIDs(t *testing.T) {
	c := New(testCatalog(t, "Coder", "Code Reviewer"), fakeClients{client: llm.NewMockClient()}, testConfig())
	ctx := context.Background()

	tests := []struct {
		persona string
		want    string
	}{
		{"Coder", "coder"},
		{"coder", "coder-2"},
		{"Code Reviewer", "code-reviewer"},
		{"Coder", "coder-3"},
	}
	for _, tt := range tests {
		id, err := c.CreateAgent(ctx, tt.persona)
		if err != nil {
			t.Fatalf("CreateAgent(%s): %v", tt.persona, err)
		}
		if id != tt.want {
			t.Errorf("CreateAgent(%s) = %q, want %q", tt.persona, id, tt.want)
		}
	}

	list := c.List()
	if len(list) != 4 || list[0].ID != "coder" || list[3].ID != "coder-3" {
		t.Errorf("List = %+v", list)
	}

	if err := c.RemoveAgent(ctx, "coder-2"); err != nil {
		t.Fatal(err)
	}
	id, _ := c.CreateAgent(ctx, "Coder")
	if id != "coder-4" {
		t.Errorf("id after removal = %q, want coder-4", id)
	}
}

func TestCreateAgentNeverReissuesRemovedID(t *testing.T) {
	store := newStore(t)
	c := New(testCatalog(t, "Grok"), fakeClients{client: llm.NewMockClient()}, testConfig(), WithStore(store))
	ctx := context.Background()

	first, err := c.CreateAgent(ctx, "Grok")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Dispatch(ctx, first, Save{}); err != nil {
		t.Fatal(err)
	}
	if err := c.RemoveAgent(ctx, first); err != nil {
		t.Fatal(err)
	}
	second, err := c.CreateAgent(ctx, "Grok")
	if err != nil {
		t.Fatal(err)
	}
	if first != "grok" || second != "grok-2" {
		t.Errorf("ids = %q, %q; want grok, grok-2", first, second)
	}

	report, err := c.ReloadAll(ctx)
	if err != nil || len(report.Loaded) != 0 {
		t.Errorf("reload revived a removed id: %+v, %v", report, err)
	}
}

// slowStore blocks Load until release is closed once armed.
type slowStore struct {
	history.Store
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) Load(ctx context.Context, id string) (history.Record, error) {
	s.mu.Lock()
	armed := s.armed
	s.armed = false
	s.mu.Unlock()
	if armed {
		close(s.entered)
		<-s.release
	}
	return s.Store.Load(ctx, id)
}

func TestCreateAgentDoesNotBlockOtherAgents(t *testing.T) {
	store := &slowStore{Store: newStore(t), entered: make(chan struct{}), release: make(chan struct{})}
	c := New(testCatalog(t, "Coder", "Writer"), fakeClients{client: llm.NewMockClient()}, testConfig(), WithStore(store))
	ctx := context.Background()

	if _, err := c.CreateAgent(ctx, "Coder"); err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	store.armed = true
	store.mu.Unlock()

	created := make(chan string, 1)
	go func() {
		id, _ := c.CreateAgent(ctx, "Writer")
		created <- id
	}()
	<-store.entered

	looked := make(chan error, 1)
	go func() {
		_, err := c.Get("coder")
		_ = c.List()
		looked <- err
	}()
	select {
	case err := <-looked:
		if err != nil {
			t.Errorf("Get: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Get blocked behind a history lookup")
	}

	close(store.release)
	if id := <-created; id != "writer" {
		t.Errorf("writer id = %q", id)
	}
}

func TestCreateAgentErrors(t *testing.T) {
	ctx := context.Background()
	c := New(testCatalog(t, "Coder"), fakeClients{client: llm.NewMockClient()}, testConfig())
	if _, err := c.CreateAgent(ctx, "Nobody"); !errors.Is(err, ErrUnknownPersona) {
		t.Errorf("err = %v, want ErrUnknownPersona", err)
	}

	broken := New(testCatalog(t, "Coder"), fakeClients{err: errors.New("no key")}, testConfig())
	if _, err := broken.CreateAgent(ctx, "Coder"); err == nil {
		t.Error("expected client resolution error")
	}
	if n := len(broken.List()); n != 0 {
		t.Errorf("agents after failure = %d", n)
	}
}

func TestDispatch(t *testing.T) {
	store := newStore(t)
	client := llm.NewMockClient(
		llm.MockResponse{Deltas: []string{"one"}},
		llm.MockResponse{Deltas: []string{"two"}},
	)
	c := New(testCatalog(t, "Coder"), fakeClients{client: client}, testConfig(), WithStore(store))
	ctx := context.Background()

	out, err := c.Dispatch(ctx, "", CreateAgent{Persona: "Coder"})
	if err != nil || out.AgentID != "coder" {
		t.Fatalf("create: %+v, %v", out, err)
	}

	out, err = c.Dispatch(ctx, "coder", Send{Text: "hi"})
	if err != nil || out.TurnID == "" {
		t.Fatalf("send: %+v, %v", out, err)
	}
	waitIdle(t, c, "coder")

	if _, err := c.Dispatch(ctx, "coder", Save{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := c.Dispatch(ctx, "coder", Clear{}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	a, _ := c.Get("coder")
	if n := len(a.Messages()); n != 0 {
		t.Errorf("messages after clear = %d", n)
	}

	if _, err := c.Dispatch(ctx, "coder", Send{Text: "again"}); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, c, "coder")
	if _, err := c.Dispatch(ctx, "coder", Load{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := len(a.Messages()); n != 2 {
		t.Errorf("messages after load = %d, want 2", n)
	}

	out, err = c.Dispatch(ctx, "coder", Archive{})
	if err != nil || out.Archived {
		t.Errorf("archive of short history: %+v, %v", out, err)
	}
	if _, err := c.Dispatch(ctx, "coder", Cancel{}); err != nil {
		t.Errorf("cancel while idle: %v", err)
	}

	for _, act := range []Action{Send{Text: "x"}, Cancel{}, Save{}, Load{}, Archive{}, Clear{}, RemoveAgent{}} {
		if _, err := c.Dispatch(ctx, "ghost", act); !errors.Is(err, ErrNotFound) {
			t.Errorf("%T on unknown agent: err = %v, want ErrNotFound", act, err)
		}
	}

	if _, err := c.Dispatch(ctx, "coder", RemoveAgent{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get("coder"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after remove: %v", err)
	}
}

func TestCreateAgentResumesStoredHistory(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	cat := testCatalog(t, "Coder", "Writer")

	first := New(cat, fakeClients{client: llm.NewMockClient(llm.MockResponse{Deltas: []string{"ok"}})}, testConfig(), WithStore(store))
	id, _ := first.CreateAgent(ctx, "Coder")
	if _, err := first.Dispatch(ctx, id, Send{Text: "remember me"}); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, first, id)
	if err := first.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	// Stored history under "writer" belongs to another persona, so a
	// Writer agent must not reuse it.
	rec := history.NewRecord("writer", "Coder", mustSnapshot(t, store, "coder"), time.Now())
	if err := store.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	second := New(cat, fakeClients{client: llm.NewMockClient()}, testConfig(), WithStore(store))
	id, err := second.CreateAgent(ctx, "Coder")
	if err != nil || id != "coder" {
		t.Fatalf("CreateAgent = %q, %v", id, err)
	}
	a, _ := second.Get(id)
	if msgs := a.Messages(); len(msgs) != 2 || msgs[0].Content != "remember me" {
		t.Errorf("resumed messages = %+v", msgs)
	}

	id, _ = second.CreateAgent(ctx, "Writer")
	if id != "writer-2" {
		t.Errorf("Writer id = %q, want writer-2", id)
	}
	w, _ := second.Get(id)
	if n := len(w.Messages()); n != 0 {
		t.Errorf("writer messages = %d, want fresh log", n)
	}
}

func mustSnapshot(t *testing.T, store history.Store, id string) conversation.Snapshot {
	t.Helper()
	rec, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rec.Snapshot()
}

func TestReloadAll(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	cat := testCatalog(t, "Coder", "Gone")

	seed := New(cat, fakeClients{client: llm.NewMockClient(
		llm.MockResponse{Deltas: []string{"a"}},
		llm.MockResponse{Deltas: []string{"b"}},
	)}, testConfig(), WithStore(store))
	for _, p := range []string{"Coder", "Gone"} {
		id, err := seed.CreateAgent(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := seed.Dispatch(ctx, id, Send{Text: "hello " + p}); err != nil {
			t.Fatal(err)
		}
		waitIdle(t, seed, id)
	}
	if err := seed.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "broken.json"), []byte(`{"version":1,`), 0o600); err != nil {
		t.Fatal(err)
	}

	// "Gone" is missing from the new catalog.
	c := New(testCatalog(t, "Coder"), fakeClients{client: llm.NewMockClient()}, testConfig(), WithStore(store))
	report, err := c.ReloadAll(ctx)
	if err != nil {
		t.Fatalf("ReloadAll: %v", err)
	}
	if len(report.Loaded) != 2 {
		t.Errorf("loaded = %v, want coder and gone", report.Loaded)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].ID != "broken" || !errors.Is(report.Skipped[0].Err, history.ErrCorruptData) {
		t.Errorf("skipped = %+v", report.Skipped)
	}

	g, err := c.Get("gone")
	if err != nil {
		t.Fatal(err)
	}
	if !g.Persona().Placeholder || g.Persona().Name != "Gone" {
		t.Errorf("persona = %+v, want placeholder named Gone", g.Persona())
	}
	if n := len(g.Messages()); n != 2 {
		t.Errorf("gone messages = %d", n)
	}

	// A second reload leaves live agents alone.
	report, err = c.ReloadAll(ctx)
	if err != nil || len(report.Loaded) != 0 {
		t.Errorf("second reload = %+v, %v", report, err)
	}
	if n := len(c.List()); n != 2 {
		t.Errorf("agents = %d, want 2", n)
	}

	// Newly created agents skip ids taken by reloaded ones.
	id, _ := c.CreateAgent(ctx, "Coder")
	if id != "coder-2" {
		t.Errorf("id = %q, want coder-2", id)
	}
}

func TestReloadAllWithoutStore(t *testing.T) {
	c := New(testCatalog(t), fakeClients{client: llm.NewMockClient()}, testConfig())
	report, err := c.ReloadAll(context.Background())
	if err != nil || len(report.Loaded) != 0 || len(report.Skipped) != 0 {
		t.Errorf("ReloadAll = %+v, %v", report, err)
	}
}

func TestRemoveAgentFlushesHistory(t *testing.T) {
	store := newStore(t)
	cfg := testConfig()
	cfg.Agent.SaveAfterTurn = false
	c := New(testCatalog(t, "Coder"), fakeClients{client: llm.NewMockClient(llm.MockResponse{Deltas: []string{"ok"}})}, cfg, WithStore(store))
	ctx := context.Background()

	id, _ := c.CreateAgent(ctx, "Coder")
	if _, err := c.Dispatch(ctx, id, Send{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, c, id)
	if _, err := store.Load(ctx, id); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("history saved before flush: %v", err)
	}

	if err := c.RemoveAgent(ctx, id); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Load(ctx, id)
	if err != nil || len(rec.Messages) != 2 {
		t.Errorf("history after remove = %+v, %v", rec, err)
	}
	if err := c.RemoveAgent(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove: %v", err)
	}
}

func TestAutosaveAndShutdown(t *testing.T) {
	store := newStore(t)
	cfg := testConfig()
	cfg.Agent.SaveAfterTurn = false
	client := llm.NewMockClient(llm.MockResponse{Deltas: []string{"ok"}})
	c := New(testCatalog(t, "Coder"), fakeClients{client: client}, cfg, WithStore(store))
	ctx := context.Background()

	if err := c.StartAutosave("not a schedule"); err == nil {
		t.Error("expected schedule parse error")
	}
	if err := c.StartAutosave("@every 1s"); err != nil {
		t.Fatal(err)
	}
	if err := c.StartAutosave("@every 1s"); err == nil {
		t.Error("second StartAutosave should fail")
	}

	id, _ := c.CreateAgent(ctx, "Coder")
	if _, err := c.Dispatch(ctx, id, Send{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, c, id)

	testutil.Eventually(t, 5*time.Second, func() bool {
		_, err := store.Load(ctx, id)
		return err == nil
	}, "autosave never wrote history")

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := c.Dispatch(ctx, id, Send{Text: "late"}); !errors.Is(err, agent.ErrClosed) {
		t.Errorf("send after shutdown: %v, want ErrClosed", err)
	}
}

func TestEventsAndPersonas(t *testing.T) {
	c := New(testCatalog(t, "Coder", "Writer"), fakeClients{client: llm.NewMockClient()}, testConfig())
	if n := len(c.Personas()); n != 2 {
		t.Errorf("personas = %d", n)
	}
	id, _ := c.CreateAgent(context.Background(), "Writer")
	if q, err := c.Events(id); err != nil || q == nil {
		t.Errorf("Events(%s) = %v, %v", id, q, err)
	}
	if _, err := c.Events("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Events(nope) err = %v", err)
	}
}

func TestProviderLabel(t *testing.T) {
	tests := []struct {
		explicit, model, fallback, want string
	}{
		{"anthropic", "grok-4", "", "anthropic"},
		{"", "claude-sonnet-4", "", "anthropic"},
		{"", "llama3", "ollama", "ollama"},
		{"", "llama3", "", "xai"},
	}
	for _, tt := range tests {
		if got := providerLabel(tt.explicit, tt.model, tt.fallback); got != tt.want {
			t.Errorf("providerLabel(%q, %q, %q) = %q, want %q", tt.explicit, tt.model, tt.fallback, got, tt.want)
		}
	}
}
