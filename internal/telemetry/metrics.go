package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the engine. Labels use the persona
// name rather than the agent id to keep cardinality bounded.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal     *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	deltasTotal    *prometheus.CounterVec
	droppedDeltas  *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	savesTotal     *prometheus.CounterVec
	archivesTotal  *prometheus.CounterVec
	activeSessions prometheus.Gauge
	agents         prometheus.Gauge
}

// NewMetrics creates a collector with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_turns_total",
			Help: "Assistant turns by terminal state.",
		}, []string{"persona", "state"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentdeck_turn_duration_seconds",
			Help:    "Wall time from request to terminal state.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"persona"}),
		deltasTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_deltas_total",
			Help: "Content deltas applied to conversation logs.",
		}, []string{"persona"}),
		droppedDeltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_notify_dropped_total",
			Help: "Delta notifications dropped because a consumer fell behind.",
		}, []string{"persona"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_request_retries_total",
			Help: "Outbound request retries after transport failures.",
		}, []string{"provider"}),
		savesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_history_saves_total",
			Help: "History store writes by result.",
		}, []string{"status"}),
		archivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_archives_total",
			Help: "Conversation archival runs by result.",
		}, []string{"status"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentdeck_active_sessions",
			Help: "Streaming sessions currently running.",
		}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentdeck_agents",
			Help: "Agents owned by the coordinator.",
		}),
	}

	m.registry.MustRegister(
		m.turnsTotal, m.turnDuration, m.deltasTotal, m.droppedDeltas,
		m.retriesTotal, m.savesTotal, m.archivesTotal, m.activeSessions, m.agents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordTurn records a session reaching a terminal state.
func (m *Metrics) RecordTurn(persona, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(persona, state).Inc()
	m.turnDuration.WithLabelValues(persona).Observe(d.Seconds())
}

// RecordDelta records one applied delta.
func (m *Metrics) RecordDelta(persona string) {
	if m == nil {
		return
	}
	m.deltasTotal.WithLabelValues(persona).Inc()
}

// RecordDroppedDelta records a delta notification lost to overflow.
func (m *Metrics) RecordDroppedDelta(persona string) {
	if m == nil {
		return
	}
	m.droppedDeltas.WithLabelValues(persona).Inc()
}

// RecordRetry records a retried outbound request.
func (m *Metrics) RecordRetry(provider string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(provider).Inc()
}

// RecordSave records a history write.
func (m *Metrics) RecordSave(err error) {
	if m == nil {
		return
	}
	m.savesTotal.WithLabelValues(status(err)).Inc()
}

// RecordArchive records an archival attempt.
func (m *Metrics) RecordArchive(err error) {
	if m == nil {
		return
	}
	m.archivesTotal.WithLabelValues(status(err)).Inc()
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// SetAgents sets the number of live agents.
func (m *Metrics) SetAgents(n int) {
	if m == nil {
		return
	}
	m.agents.Set(float64(n))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
