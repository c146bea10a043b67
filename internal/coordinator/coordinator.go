// Package coordinator owns the set of live agents and routes commands from
// the presentation layer to them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/conversation"
	"github.com/szaher/agentdeck/internal/history"
	"github.com/szaher/agentdeck/internal/llm"
	"github.com/szaher/agentdeck/internal/notify"
	"github.com/szaher/agentdeck/internal/persona"
	"github.com/szaher/agentdeck/internal/telemetry"
)

var (
	// ErrNotFound is returned for unknown agent ids.
	ErrNotFound = errors.New("agent not found")

	// ErrUnknownPersona is returned when creating an agent from a persona
	// the catalog does not hold.
	ErrUnknownPersona = errors.New("unknown persona")
)

// ClientResolver picks the outbound client and bare model name for a
// persona's provider and model settings. *llm.Factory implements it.
type ClientResolver interface {
	ForModel(provider, model string) (llm.Client, string, error)
}

// Config is fixed for the life of the coordinator and handed to every agent.
type Config struct {
	Agent           agent.Config
	DefaultModel    string
	DefaultProvider string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore enables persistence and reload.
func WithStore(s history.Store) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

// WithLogger sets the coordinator logger; agents derive theirs from it.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics shares m with every agent.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	catalog *persona.Catalog
	clients ClientResolver
	cfg     Config
	store   history.Store
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	agents map[string]*agent.Agent
	order  []string
	// issued holds every id handed out or reserved by this coordinator, so a
	// removed agent's id is never given to another agent.
	issued map[string]struct{}

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates a coordinator with no agents.
func New(catalog *persona.Catalog, clients ClientResolver, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		catalog: catalog,
		clients: clients,
		cfg:     cfg,
		logger:  slog.Default(),
		agents:  make(map[string]*agent.Agent),
		issued:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the history store, or nil.
func (c *Coordinator) Store() history.Store { return c.store }

// CreateAgent starts a new agent for the named persona and returns its id.
// Ids are the persona slug with a numeric suffix on collision and are never
// reused within the coordinator's lifetime. When the store already holds
// history for the chosen id and the same persona, the agent resumes it.
func (c *Coordinator) CreateAgent(ctx context.Context, personaName string) (string, error) {
	p, ok := c.catalog.Get(personaName)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPersona, personaName)
	}

	base := p.Slug()
	for n := 1; ; n++ {
		c.mu.Lock()
		id, next := c.reserve(base, n)
		c.mu.Unlock()
		n = next

		log, usable := c.stored(ctx, id, p)
		if !usable {
			c.release(id)
			continue
		}
		a, err := c.newAgent(id, p, log)
		if err != nil {
			c.release(id)
			return "", err
		}

		c.mu.Lock()
		c.add(a)
		c.mu.Unlock()
		c.logger.Info("agent created", "agent", id, "persona", p.Name, "resumed", log != nil)
		return id, nil
	}
}

// reserve claims the first unissued id at or after suffix n and returns it
// with the suffix used. The caller holds c.mu.
func (c *Coordinator) reserve(base string, n int) (string, int) {
	for ; ; n++ {
		id := base
		if n > 1 {
			id = base + "-" + strconv.Itoa(n)
		}
		if _, taken := c.issued[id]; taken {
			continue
		}
		c.issued[id] = struct{}{}
		return id, n
	}
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.issued, id)
	c.mu.Unlock()
}

// stored looks up history for id. It returns the log to resume, if any, and
// false when the id holds history that p cannot take over.
func (c *Coordinator) stored(ctx context.Context, id string, p *persona.Persona) (*conversation.Log, bool) {
	if c.store == nil {
		return nil, true
	}
	rec, err := c.store.Load(ctx, id)
	switch {
	case err == nil && rec.Persona == p.Name:
		l, err := rec.Log()
		return l, err == nil
	case err == nil:
		// Stored history belongs to another persona.
		return nil, false
	case errors.Is(err, history.ErrNotFound):
		return nil, true
	case errors.Is(err, history.ErrCorruptData):
		c.logger.Warn("skipping id with corrupt history", "agent", id, "error", err)
		return nil, false
	default:
		c.logger.Warn("checking stored history", "agent", id, "error", err)
		return nil, true
	}
}

func (c *Coordinator) newAgent(id string, p *persona.Persona, log *conversation.Log) (*agent.Agent, error) {
	model := p.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	client, bare, err := c.clients.ForModel(p.Provider, model)
	if err != nil {
		return nil, fmt.Errorf("persona %q: %w", p.Name, err)
	}

	opts := []agent.Option{
		agent.WithLogger(c.logger),
		agent.WithMetrics(c.metrics),
		agent.WithProvider(providerLabel(p.Provider, model, c.cfg.DefaultProvider)),
	}
	if c.store != nil {
		opts = append(opts, agent.WithStore(c.store))
	}
	if log != nil {
		opts = append(opts, agent.WithLog(log))
	}
	return agent.New(id, p, client, bare, c.cfg.Agent, opts...)
}

func providerLabel(explicit, model, fallback string) string {
	if explicit != "" {
		return explicit
	}
	if p, _ := llm.ParseModelString(model); p != "" {
		return string(p)
	}
	if fallback != "" {
		return fallback
	}
	return string(llm.ProviderXAI)
}

// add registers a. The caller holds c.mu.
func (c *Coordinator) add(a *agent.Agent) {
	c.issued[a.ID()] = struct{}{}
	c.agents[a.ID()] = a
	c.order = append(c.order, a.ID())
	c.metrics.SetAgents(len(c.agents))
}

// Get returns the live agent with the given id.
func (c *Coordinator) Get(id string) (*agent.Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// RemoveAgent cancels any active turn, flushes the log and forgets the agent.
// Its stored history is kept.
func (c *Coordinator) RemoveAgent(ctx context.Context, id string) error {
	c.mu.Lock()
	a, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(c.agents, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.metrics.SetAgents(len(c.agents))
	c.mu.Unlock()

	if err := a.Close(ctx); err != nil {
		return fmt.Errorf("closing agent %s: %w", id, err)
	}
	c.logger.Info("agent removed", "agent", id)
	return nil
}

// List returns the status of every live agent in creation order.
func (c *Coordinator) List() []agent.Status {
	c.mu.RLock()
	agents := make([]*agent.Agent, 0, len(c.order))
	for _, id := range c.order {
		agents = append(agents, c.agents[id])
	}
	c.mu.RUnlock()

	out := make([]agent.Status, len(agents))
	for i, a := range agents {
		out[i] = a.Status()
	}
	return out
}

// Personas lists the catalog.
func (c *Coordinator) Personas() []*persona.Persona {
	return c.catalog.All()
}

// Events returns the notification queue of an agent.
func (c *Coordinator) Events(id string) (*notify.Queue, error) {
	a, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	return a.Events(), nil
}

// SkippedAgent is stored history that could not be reloaded.
type SkippedAgent struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// ReloadReport lists the outcome of ReloadAll.
type ReloadReport struct {
	Loaded  []string       `json:"loaded"`
	Skipped []SkippedAgent `json:"skipped,omitempty"`
}

// ReloadAll recreates an agent for every stored history whose id this
// coordinator has not issued yet.
// Records are read concurrently. Unreadable or corrupt records are skipped
// and reported; they never abort the reload. History whose persona is gone
// is attached to a placeholder persona with the stored name.
func (c *Coordinator) ReloadAll(ctx context.Context) (ReloadReport, error) {
	var report ReloadReport
	if c.store == nil {
		return report, nil
	}
	ids, err := c.store.List(ctx)
	if err != nil {
		return report, fmt.Errorf("listing history: %w", err)
	}

	type loaded struct {
		rec history.Record
		log *conversation.Log
		err error
	}
	results := make([]loaded, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			rec, err := c.store.Load(gctx, id)
			if err == nil {
				results[i].log, err = rec.Log()
			}
			results[i].rec, results[i].err = rec, err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range ids {
		r := results[i]
		if r.err != nil {
			c.logger.Warn("skipping stored agent", "agent", id, "error", r.err)
			report.Skipped = append(report.Skipped, SkippedAgent{ID: id, Reason: r.err.Error(), Err: r.err})
			continue
		}
		if _, seen := c.issued[id]; seen {
			continue
		}
		p, ok := c.catalog.Get(r.rec.Persona)
		if !ok {
			c.logger.Warn("persona missing for stored agent, using placeholder", "agent", id, "persona", r.rec.Persona)
			p = persona.NewPlaceholder(r.rec.Persona)
		}
		a, err := c.newAgent(id, p, r.log)
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedAgent{ID: id, Reason: err.Error(), Err: err})
			continue
		}
		c.add(a)
		report.Loaded = append(report.Loaded, id)
	}
	c.logger.Info("agents reloaded", "loaded", len(report.Loaded), "skipped", len(report.Skipped))
	return report, nil
}

// FlushAll saves every agent with unsaved changes. Failures are logged and
// left dirty for the next flush.
func (c *Coordinator) FlushAll(ctx context.Context) {
	c.mu.RLock()
	agents := make([]*agent.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, a)
	}
	c.mu.RUnlock()

	for _, a := range agents {
		if err := a.Flush(ctx); err != nil {
			c.logger.Warn("autosave failed", "agent", a.ID(), "error", err)
		}
	}
}

// StartAutosave flushes dirty agents on the given cron schedule, for
// example "@every 30s". An empty spec disables autosave.
func (c *Coordinator) StartAutosave(spec string) error {
	if spec == "" {
		return nil
	}
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.cron != nil {
		return errors.New("autosave already started")
	}
	cr := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := cr.AddFunc(spec, func() { c.FlushAll(context.Background()) }); err != nil {
		return fmt.Errorf("autosave schedule %q: %w", spec, err)
	}
	cr.Start()
	c.cron = cr
	return nil
}

// Shutdown stops autosave, then cancels, waits for and flushes every agent
// concurrently. Agents stay registered but refuse new work.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cronMu.Lock()
	if c.cron != nil {
		stopped := c.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
		c.cron = nil
	}
	c.cronMu.Unlock()

	c.mu.RLock()
	agents := make([]*agent.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, a)
	}
	c.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, a := range agents {
		g.Go(func() error {
			if err := a.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("agent %s: %w", a.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
