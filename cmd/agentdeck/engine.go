package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/config"
	"github.com/szaher/agentdeck/internal/coordinator"
	"github.com/szaher/agentdeck/internal/history"
	"github.com/szaher/agentdeck/internal/llm"
	"github.com/szaher/agentdeck/internal/persona"
	"github.com/szaher/agentdeck/internal/session"
	"github.com/szaher/agentdeck/internal/telemetry"
)

// settings is the configuration shared by every subcommand.
type settings struct {
	cfg    config.Config
	creds  config.Credentials
	logger *slog.Logger
}

// loadSettings reads config and credentials and builds the logger. floor
// raises the log level for interactive commands unless --verbose is set.
func loadSettings(floor slog.Level) (settings, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return settings{}, err
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return settings{}, err
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return settings{}, fmt.Errorf("log_level: %w", err)
	}
	if level < floor {
		level = floor
	}
	if verbose {
		level = slog.LevelDebug
	}
	logger := telemetry.NewRedactingLogger(os.Stderr, level, creds.Secrets()...)
	slog.SetDefault(logger)
	return settings{cfg: cfg, creds: creds, logger: logger}, nil
}

// openStore picks Postgres when database_url is set and the file store
// otherwise. The returned func releases it.
func openStore(ctx context.Context, s settings) (history.Store, func(), error) {
	if s.cfg.DatabaseURL != "" {
		pg, err := history.OpenPG(ctx, s.cfg.DatabaseURL, s.logger)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	fs, err := history.NewFileStore(s.cfg.HistoryDir,
		history.WithLogger(s.logger),
		history.WithArchiveDir(s.cfg.ArchiveDir),
	)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}

func agentConfig(cfg config.Config) agent.Config {
	return agent.Config{
		Session: session.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			RequestTimeout: cfg.RequestTimeout,
			IdleTimeout:    cfg.IdleTimeout,
		},
		Temperature:      cfg.DefaultTemperature,
		MaxTokens:        cfg.MaxTokens,
		ArchiveThreshold: cfg.ArchiveThreshold,
		ArchiveKeep:      cfg.ArchiveKeep,
		HistoryEnabled:   cfg.HistoryEnabled,
		SaveAfterTurn:    cfg.SaveAfterTurn,
		EventBuffer:      cfg.EventBuffer,
	}
}

// engine is a running coordinator with its store, catalog and metrics.
type engine struct {
	settings
	metrics *telemetry.Metrics
	catalog *persona.Catalog
	store   history.Store
	coord   *coordinator.Coordinator

	closers []func(context.Context)
}

// openEngine wires the full engine and reloads every stored agent.
func openEngine(ctx context.Context, floor slog.Level) (*engine, error) {
	s, err := loadSettings(floor)
	if err != nil {
		return nil, err
	}
	e := &engine{settings: s, metrics: telemetry.NewMetrics()}

	e.catalog = persona.NewCatalog(s.cfg.PersonaDir, s.logger)
	if err := e.catalog.Load(); err != nil {
		s.logger.Warn("some personas failed to load", "error", err)
	}
	watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		if err := e.catalog.Watch(watchCtx, 0); err != nil {
			s.logger.Debug("persona watch disabled", "error", err)
		}
	}()
	e.closers = append(e.closers, func(context.Context) { stopWatch() })

	store, release, err := openStore(ctx, s)
	if err != nil {
		stopWatch()
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, func(context.Context) { release() })

	factory := &llm.Factory{
		XAIKey:          s.creds.XAIKey,
		AnthropicKey:    s.creds.AnthropicKey,
		OpenAIKey:       s.creds.OpenAIKey,
		OpenAIBaseURL:   s.creds.OpenAIBaseURL,
		OllamaHost:      s.creds.OllamaHost,
		DefaultProvider: llm.Provider(strings.ToLower(s.cfg.DefaultProvider)),
	}
	e.coord = coordinator.New(e.catalog, factory, coordinator.Config{
		Agent:           agentConfig(s.cfg),
		DefaultModel:    s.cfg.DefaultModel,
		DefaultProvider: s.cfg.DefaultProvider,
	},
		coordinator.WithStore(store),
		coordinator.WithLogger(s.logger),
		coordinator.WithMetrics(e.metrics),
	)

	report, err := e.coord.ReloadAll(ctx)
	if err != nil {
		e.close(ctx)
		return nil, err
	}
	for _, sk := range report.Skipped {
		fmt.Fprintf(os.Stderr, "warning: history for %s not loaded: %s\n", sk.ID, sk.Reason)
	}
	if err := e.coord.StartAutosave(s.cfg.Autosave); err != nil {
		e.close(ctx)
		return nil, err
	}
	return e, nil
}

// serveMetrics exposes /metrics on metrics_addr until the engine closes.
func (e *engine) serveMetrics() {
	if e.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", e.metrics.Handler())
	srv := &http.Server{Addr: e.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server", "error", err)
		}
	}()
	e.closers = append(e.closers, func(ctx context.Context) { _ = srv.Shutdown(ctx) })
}

// close shuts the coordinator down, flushing every agent, then releases
// resources in reverse order.
func (e *engine) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var err error
	if e.coord != nil {
		err = e.coord.Shutdown(ctx)
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i](ctx)
	}
	e.closers = nil
	return err
}
