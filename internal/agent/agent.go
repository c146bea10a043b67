// Package agent binds a persona, a conversation log and at most one active
// streaming session into an independent chat agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/szaher/agentdeck/internal/conversation"
	"github.com/szaher/agentdeck/internal/expr"
	"github.com/szaher/agentdeck/internal/history"
	"github.com/szaher/agentdeck/internal/llm"
	"github.com/szaher/agentdeck/internal/notify"
	"github.com/szaher/agentdeck/internal/persona"
	"github.com/szaher/agentdeck/internal/session"
	"github.com/szaher/agentdeck/internal/telemetry"
)

var (
	// ErrSessionBusy is returned when a turn or an archival is already
	// running for the agent.
	ErrSessionBusy = errors.New("agent session busy")

	// ErrClosed is returned by operations on a closed agent.
	ErrClosed = errors.New("agent closed")

	// ErrNoStore is returned by Save and Load when no history store is set.
	ErrNoStore = errors.New("no history store configured")
)

// Config carries the engine-wide settings an agent needs.
type Config struct {
	Session session.Config

	Temperature float64
	MaxTokens   int

	ArchiveThreshold int
	ArchiveKeep      int

	// HistoryEnabled is the global switch; a persona can only narrow it.
	HistoryEnabled bool
	SaveAfterTurn  bool

	EventBuffer int
}

// DefaultConfig returns the built-in agent settings.
func DefaultConfig() Config {
	return Config{
		Session:          session.DefaultConfig(),
		Temperature:      0.7,
		MaxTokens:        4096,
		ArchiveThreshold: 20,
		ArchiveKeep:      12,
		HistoryEnabled:   true,
		SaveAfterTurn:    true,
		EventBuffer:      256,
	}
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = l
	}
}

// WithMetrics records turns, deltas and saves.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// WithStore enables persistence.
func WithStore(s history.Store) Option {
	return func(a *Agent) {
		a.store = s
	}
}

// WithLog starts the agent from an existing log, such as one reloaded from
// history. The log is considered saved.
func WithLog(l *conversation.Log) Option {
	return func(a *Agent) {
		a.log = l
	}
}

// WithProvider sets the provider label used in metrics.
func WithProvider(name string) Option {
	return func(a *Agent) {
		a.provider = name
	}
}

// Agent is one independent conversation. All log mutations happen under the
// agent mutex; the single-session rule keeps turns from interleaving.
type Agent struct {
	id       string
	persona  *persona.Persona
	trigger  *expr.Trigger
	client   llm.Client
	model    string
	provider string
	cfg      Config
	store    history.Store
	root     *slog.Logger
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	events   *notify.Queue

	// saveMu orders snapshot and store write so an older snapshot never
	// lands after a newer one.
	saveMu sync.Mutex

	mu        sync.Mutex
	log       *conversation.Log
	busy      bool
	done      chan struct{}
	active    *session.Session
	stopArch  context.CancelFunc
	turnID    string
	rev       uint64
	savedRev  uint64
	lastState string
	lastErr   string
	closed    bool
}

// New creates an idle agent.
func New(id string, p *persona.Persona, client llm.Client, model string, cfg Config, opts ...Option) (*Agent, error) {
	if err := history.ValidateID(id); err != nil {
		return nil, err
	}
	trigger, err := p.Trigger()
	if err != nil {
		return nil, fmt.Errorf("persona %q: %w", p.Name, err)
	}
	a := &Agent{
		id:        id,
		persona:   p,
		trigger:   trigger,
		client:    client,
		model:     model,
		cfg:       cfg,
		logger:    slog.Default(),
		lastState: session.Idle.String(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = conversation.New()
	}
	a.root = a.logger
	a.logger = a.logger.With("agent", id, "persona", p.Name)
	a.events = notify.NewQueue(cfg.EventBuffer, notify.WithDropHook(func() {
		a.metrics.RecordDroppedDelta(p.Name)
	}))
	return a, nil
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Persona returns the persona bound at creation.
func (a *Agent) Persona() *persona.Persona { return a.persona }

// Events returns the agent's notification queue.
func (a *Agent) Events() *notify.Queue { return a.events }

// Messages returns a copy of the conversation.
func (a *Agent) Messages() []conversation.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.log.Messages()
}

func (a *Agent) historyEnabled() bool {
	return a.cfg.HistoryEnabled && a.persona.HistoryEnabled()
}

// bounds returns the archival threshold and the number of messages kept.
func (a *Agent) bounds() (threshold, keep int) {
	threshold, keep = a.cfg.ArchiveThreshold, a.cfg.ArchiveKeep
	if a.persona.SummaryThreshold > 0 {
		threshold = a.persona.SummaryThreshold
	}
	if a.persona.SummaryKeep > 0 {
		keep = a.persona.SummaryKeep
	}
	if keep <= 0 || (threshold > 0 && keep >= threshold) {
		keep = threshold / 2
	}
	return threshold, keep
}

func (a *Agent) push(kind notify.Kind, turnID, text, errText string) {
	a.events.Push(notify.Event{AgentID: a.id, Kind: kind, TurnID: turnID, Text: text, Err: errText})
}

// begin marks the agent busy. The caller holds a.mu.
func (a *Agent) begin() error {
	if a.closed {
		return ErrClosed
	}
	if a.busy {
		return ErrSessionBusy
	}
	a.busy = true
	a.done = make(chan struct{})
	return nil
}

func (a *Agent) end() {
	a.mu.Lock()
	a.busy = false
	a.active = nil
	if a.done != nil {
		close(a.done)
		a.done = nil
	}
	a.mu.Unlock()
}

// Send appends text as a user message and starts a streaming turn. It
// returns the turn id without waiting for the response.
func (a *Agent) Send(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty message", conversation.ErrInvalidState)
	}

	a.mu.Lock()
	if err := a.begin(); err != nil {
		a.mu.Unlock()
		return "", err
	}
	if err := a.log.AppendUser(text); err != nil {
		a.mu.Unlock()
		a.end()
		return "", err
	}
	if err := a.log.BeginAssistantTurn(); err != nil {
		a.mu.Unlock()
		a.end()
		return "", err
	}
	a.rev++

	turnID := session.GenerateID("turn_")
	if telemetry.CorrelationID(ctx) == "" {
		ctx = telemetry.WithCorrelationID(ctx, "")
	}
	req := a.request(ctx)
	logger := telemetry.RequestLogger(a.root, ctx, a.id, turnID)
	sess := session.New(turnID, a.client, req, &turnSink{agent: a, turnID: turnID}, a.cfg.Session,
		session.WithLogger(logger),
		session.WithMetrics(a.metrics, a.provider),
	)
	a.active = sess
	a.turnID = turnID
	a.lastState = session.Requesting.String()
	a.lastErr = ""
	a.push(notify.TurnStarted, turnID, text, "")
	a.mu.Unlock()

	logger.Debug("turn started", "messages", len(req.Messages))
	go a.runTurn(context.WithoutCancel(ctx), sess, logger)
	return turnID, nil
}

// request builds the outbound payload from the log. The caller holds a.mu.
func (a *Agent) request(ctx context.Context) llm.ChatRequest {
	msgs := a.log.Messages()
	if n := len(msgs); n > 0 && msgs[n-1].InProgress {
		msgs = msgs[:n-1]
	}
	if limit := a.persona.HistoryLimit; limit > 0 && len(msgs) > limit {
		cut := msgs[len(msgs)-limit:]
		if msgs[0].Summary && !cut[0].Summary {
			cut = append([]conversation.Message{msgs[0]}, cut...)
		}
		msgs = cut
	}

	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == conversation.RoleAssistant && m.Content == "" {
			continue
		}
		out = append(out, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}

	temp := a.cfg.Temperature
	if a.persona.Temperature != nil {
		temp = *a.persona.Temperature
	}
	maxTokens := a.cfg.MaxTokens
	if a.persona.MaxTokens > 0 {
		maxTokens = a.persona.MaxTokens
	}
	return llm.ChatRequest{
		Model:       a.model,
		Messages:    out,
		System:      a.persona.SystemPrompt,
		MaxTokens:   maxTokens,
		Temperature: &temp,
		RequestID:   telemetry.CorrelationID(ctx),
	}
}

func (a *Agent) runTurn(ctx context.Context, sess *session.Session, logger *slog.Logger) {
	defer a.end()
	res := sess.Run(ctx)

	a.mu.Lock()
	// A sink failure can leave the turn open; close it so the log stays usable.
	if a.log.InProgress() {
		if err := a.log.AbortTurn(session.Reason(res.Err)); err == nil {
			a.rev++
		}
	}
	content := ""
	if tail, ok := a.log.Tail(); ok {
		content = tail.Content
	}
	a.lastState = res.State.String()
	if res.Err != nil {
		a.lastErr = res.Err.Error()
	}
	switch res.State {
	case session.Completed:
		a.push(notify.TurnFinalized, sess.ID(), content, "")
	case session.Cancelled:
		a.push(notify.TurnCancelled, sess.ID(), content, a.lastErr)
	default:
		a.push(notify.TurnFailed, sess.ID(), content, a.lastErr)
	}
	a.mu.Unlock()

	a.metrics.RecordTurn(a.persona.Name, res.State.String(), res.Duration)

	if a.historyEnabled() && a.cfg.SaveAfterTurn {
		if err := a.persist(ctx); err != nil {
			logger.Warn("saving history after turn; will retry on next change", "error", err)
		}
	}
	if res.State == session.Completed {
		if err := a.maybeArchive(ctx); err != nil {
			logger.Warn("automatic archival failed", "error", err)
		}
	}
}

// turnSink applies session output to the agent log.
type turnSink struct {
	agent  *Agent
	turnID string
}

func (s *turnSink) AppendDelta(text string) error {
	a := s.agent
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.log.AppendDelta(text); err != nil {
		return err
	}
	a.rev++
	a.lastState = session.Streaming.String()
	a.push(notify.Delta, s.turnID, text, "")
	a.metrics.RecordDelta(a.persona.Name)
	return nil
}

func (s *turnSink) Finalize() error {
	a := s.agent
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.log.FinalizeTurn(); err != nil {
		return err
	}
	a.rev++
	return nil
}

func (s *turnSink) Abort(reason string) error {
	a := s.agent
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.log.AbortTurn(reason); err != nil {
		return err
	}
	a.rev++
	return nil
}

// Cancel stops the active turn or archival, if any. It is idempotent.
func (a *Agent) Cancel() {
	a.mu.Lock()
	sess, stop := a.active, a.stopArch
	a.mu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
	if stop != nil {
		stop()
	}
}

// Wait blocks until the running turn or archival, if any, has finished.
func (a *Agent) Wait(ctx context.Context) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Save writes the current log to the history store.
func (a *Agent) Save(ctx context.Context) error {
	if a.store == nil {
		return ErrNoStore
	}
	return a.persist(ctx)
}

// Flush saves the log if it changed since the last successful save.
func (a *Agent) Flush(ctx context.Context) error {
	if a.store == nil || !a.historyEnabled() || !a.Dirty() {
		return nil
	}
	return a.persist(ctx)
}

// Dirty reports whether the log has unsaved changes.
func (a *Agent) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rev != a.savedRev
}

func (a *Agent) record() (history.Record, uint64) {
	return history.NewRecord(a.id, a.persona.Name, a.log.Snapshot(), time.Now()), a.rev
}

func (a *Agent) persist(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	a.mu.Lock()
	rec, rev := a.record()
	a.mu.Unlock()

	err := a.store.Save(ctx, rec)
	a.metrics.RecordSave(err)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if rev > a.savedRev {
		a.savedRev = rev
	}
	a.mu.Unlock()
	return nil
}

// Load replaces the log with the committed history for this agent. On error
// the current log is left untouched.
func (a *Agent) Load(ctx context.Context) error {
	if a.store == nil {
		return ErrNoStore
	}
	a.mu.Lock()
	if err := a.begin(); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()
	defer a.end()

	rec, err := a.store.Load(ctx, a.id)
	if err != nil {
		return err
	}
	l, err := rec.Log()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.log = l
	a.rev++
	a.savedRev = a.rev
	a.push(notify.Info, "", fmt.Sprintf("loaded %d messages", l.Len()), "")
	a.mu.Unlock()
	a.logger.Info("history loaded", "messages", l.Len())
	return nil
}

// Clear drops every message and persists the empty log.
func (a *Agent) Clear(ctx context.Context) error {
	a.mu.Lock()
	if err := a.begin(); err != nil {
		a.mu.Unlock()
		return err
	}
	err := a.log.Clear()
	if err == nil {
		a.rev++
		a.push(notify.Info, "", "history cleared", "")
	}
	a.mu.Unlock()
	defer a.end()
	if err != nil {
		return err
	}
	if a.historyEnabled() {
		return a.persist(ctx)
	}
	return nil
}

// Archive summarises all but the most recent messages now. It reports false
// when the log is too short to archive.
func (a *Agent) Archive(ctx context.Context) (bool, error) {
	a.mu.Lock()
	if err := a.begin(); err != nil {
		a.mu.Unlock()
		return false, err
	}
	_, keep := a.bounds()
	plan, ok := a.log.PlanKeep(keep)
	a.mu.Unlock()
	defer a.end()

	if !ok {
		return false, nil
	}
	if err := a.archive(ctx, plan); err != nil {
		return false, err
	}
	return true, nil
}

// maybeArchive runs automatic archival after a completed turn. The caller
// holds the busy flag.
func (a *Agent) maybeArchive(ctx context.Context) error {
	if !a.historyEnabled() {
		return nil
	}
	a.mu.Lock()
	threshold, keep := a.bounds()
	var (
		plan conversation.ArchivePlan
		ok   bool
	)
	if a.trigger != nil {
		fire, err := a.trigger.Eval(a.triggerEnv(threshold, keep))
		if err != nil {
			a.mu.Unlock()
			return err
		}
		if fire {
			plan, ok = a.log.PlanKeep(keep)
		}
	} else {
		plan, ok = a.log.PlanArchive(threshold, keep)
	}
	a.mu.Unlock()

	if !ok {
		return nil
	}
	return a.archive(ctx, plan)
}

func (a *Agent) triggerEnv(threshold, keep int) expr.Env {
	env := expr.Env{
		Messages:  a.log.Len(),
		Chars:     a.log.Chars(),
		Threshold: threshold,
		Keep:      keep,
		Archives:  a.log.Archives(),
	}
	for _, m := range a.log.Messages() {
		if m.Role == conversation.RoleUser {
			env.UserTurns++
		}
	}
	return env
}

// archive keeps a full copy of the log, asks the model for a summary in a
// separate request and splices it in. The caller holds the busy flag, so the
// log cannot change underneath the plan.
func (a *Agent) archive(ctx context.Context, plan conversation.ArchivePlan) (err error) {
	defer func() { a.metrics.RecordArchive(err) }()

	actx, stop, err := a.archiveContext(ctx)
	if err != nil {
		return err
	}
	defer stop()

	if a.store != nil && a.historyEnabled() {
		a.mu.Lock()
		rec, _ := a.record()
		a.mu.Unlock()
		where, err := a.store.Archive(actx, rec)
		if err != nil {
			return fmt.Errorf("archiving full history: %w", err)
		}
		a.logger.Debug("full history archived", "to", where)
	}

	maxTokens := a.cfg.MaxTokens
	if a.persona.MaxTokens > 0 {
		maxTokens = a.persona.MaxTokens
	}
	summary, err := a.client.Complete(actx, llm.ChatRequest{
		Model:     a.model,
		System:    a.persona.Prompt(),
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: conversation.Transcript(plan.Messages)}},
		MaxTokens: maxTokens,
		RequestID: telemetry.CorrelationID(ctx),
	})
	if err != nil {
		return fmt.Errorf("summarising history: %w", err)
	}
	summary = strings.TrimSpace(summary)

	a.mu.Lock()
	err = a.log.ApplyArchive(plan, summary)
	if err == nil {
		a.rev++
		a.push(notify.Archived, "", summary, "")
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.logger.Info("history archived", "collapsed", plan.Count)

	if a.historyEnabled() {
		if err := a.persist(ctx); err != nil {
			a.logger.Warn("saving history after archival; will retry on next change", "error", err)
		}
	}
	return nil
}

// archiveContext bounds an archival by the request timeout and registers its
// cancel func so Cancel and Close can stop it.
func (a *Agent) archiveContext(ctx context.Context) (context.Context, func(), error) {
	var cancel context.CancelFunc
	if t := a.cfg.Session.RequestTimeout; t > 0 {
		ctx, cancel = context.WithTimeout(ctx, t)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		cancel()
		return nil, nil, ErrClosed
	}
	a.stopArch = cancel
	return ctx, func() {
		a.mu.Lock()
		a.stopArch = nil
		a.mu.Unlock()
		cancel()
	}, nil
}

// Status is a point-in-time view of an agent.
type Status struct {
	ID        string `json:"id"`
	Persona   string `json:"persona"`
	Model     string `json:"model"`
	Messages  int    `json:"messages"`
	Archives  int    `json:"archives"`
	Busy      bool   `json:"busy"`
	Dirty     bool   `json:"dirty"`
	TurnID    string `json:"turn_id,omitempty"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// Status reports the agent's current state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		ID:        a.id,
		Persona:   a.persona.Name,
		Model:     a.model,
		Messages:  a.log.Len(),
		Archives:  a.log.Archives(),
		Busy:      a.busy,
		Dirty:     a.rev != a.savedRev,
		TurnID:    a.turnID,
		State:     a.lastState,
		LastError: a.lastErr,
	}
	if a.active != nil {
		st.State = a.active.State().String()
	}
	return st
}

// Close cancels any active turn, waits for it, flushes unsaved history and
// closes the notification queue.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	defer a.events.Close()

	a.Cancel()
	if err := a.Wait(ctx); err != nil {
		return err
	}
	return a.Flush(ctx)
}
