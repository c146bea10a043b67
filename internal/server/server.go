// Package server exposes the coordinator command surface over HTTP for
// remote presentation layers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/conversation"
	"github.com/szaher/agentdeck/internal/coordinator"
	"github.com/szaher/agentdeck/internal/history"
	"github.com/szaher/agentdeck/internal/notify"
	"github.com/szaher/agentdeck/internal/telemetry"
)

// Version is reported by /healthz.
var Version = "dev"

// Server is the HTTP front of a Coordinator.
type Server struct {
	coord   *coordinator.Coordinator
	metrics *telemetry.Metrics
	logger  *slog.Logger

	apiKey  string
	noAuth  bool
	open    map[string]bool
	limiter *limiter

	pingInterval time.Duration
	startTime    time.Time

	mux    *http.ServeMux
	server *http.Server
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKey sets the bearer key every request except /healthz must present.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithoutAuth disables authentication.
func WithoutAuth() Option {
	return func(s *Server) { s.noAuth = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit limits each client to rate requests per second with the
// given burst. Zero disables request limiting.
func WithRateLimit(rate float64, burst int) Option {
	return func(s *Server) { s.limiter = newLimiter(rate, burst) }
}

// WithPingInterval sets the keepalive interval of event streams.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// New builds the server and its routes.
func New(coord *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{
		coord:        coord,
		logger:       slog.Default(),
		open:         map[string]bool{"/healthz": true},
		limiter:      newLimiter(10, 20),
		pingInterval: 15 * time.Second,
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /v1/personas", s.handlePersonas)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleRemoveAgent)
	mux.HandleFunc("GET /v1/agents/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/agents/{id}/messages", s.handleSend)
	mux.HandleFunc("POST /v1/agents/{id}/cancel", s.action(coordinator.Cancel{}))
	mux.HandleFunc("POST /v1/agents/{id}/save", s.action(coordinator.Save{}))
	mux.HandleFunc("POST /v1/agents/{id}/load", s.action(coordinator.Load{}))
	mux.HandleFunc("POST /v1/agents/{id}/archive", s.action(coordinator.Archive{}))
	mux.HandleFunc("POST /v1/agents/{id}/clear", s.action(coordinator.Clear{}))
	mux.HandleFunc("GET /v1/agents/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/history/{id}", s.handleExport)
	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.guard(s.mux)
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server starting", "addr", addr, "auth", !s.noAuth)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener. Open event streams end when their
// request contexts are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// requestContext carries the caller's X-Request-ID as the correlation id.
func requestContext(r *http.Request) context.Context {
	return telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Request-ID"))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"agents":  len(s.coord.List()),
		"version": Version,
	})
}

func (s *Server) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"personas": s.coord.Personas()})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.coord.List()})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Persona string `json:"persona"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Persona == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", `body must be {"persona": "<name>"}`)
		return
	}
	out, err := s.coord.Dispatch(requestContext(r), "", coordinator.CreateAgent{Persona: req.Persona})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.coord.Get(out.AgentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.Status())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.coord.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Status())
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	if _, err := s.coord.Dispatch(requestContext(r), r.PathValue("id"), coordinator.RemoveAgent{}); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	a, err := s.coord.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": a.Messages()})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	out, err := s.coord.Dispatch(requestContext(r), r.PathValue("id"), coordinator.Send{Text: req.Text})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

// action serves the body-less per-agent commands.
func (s *Server) action(act coordinator.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := s.coord.Dispatch(requestContext(r), r.PathValue("id"), act)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleEvents streams the agent's notification queue. The queue has a
// single consumer; a second concurrent stream splits the events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := s.coord.Events(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sw, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	ctx := r.Context()
	for {
		ev, err := next(ctx, q, s.pingInterval)
		switch {
		case err == nil:
			if err := sw.event(ev); err != nil {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := sw.ping(); err != nil {
				return
			}
		default:
			return
		}
	}
}

func next(ctx context.Context, q *notify.Queue, wait time.Duration) (notify.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return q.Next(ctx)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	store := s.coord.Store()
	if store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []string{}})
		return
	}
	ids, err := store.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": ids})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	store := s.coord.Store()
	if store == nil {
		s.fail(w, r, agent.ErrNoStore)
		return
	}
	id := r.PathValue("id")
	rec, err := store.Load(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, coordinator.ErrUnknownPersona):
		return http.StatusBadRequest, "unknown_persona"
	case errors.Is(err, history.ErrInvalidID):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, agent.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, agent.ErrClosed):
		return http.StatusConflict, "agent_closed"
	case errors.Is(err, conversation.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, history.ErrCorruptData):
		return http.StatusUnprocessableEntity, "corrupt_data"
	case errors.Is(err, agent.ErrNoStore):
		return http.StatusNotImplemented, "no_store"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, err.Error())
}
