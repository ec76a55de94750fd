// Package metrics provides Prometheus-based metrics collection for the
// netdash engine: session lifecycle counters, event-fold accounting, and
// API instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "netdash"

	subsystemSession   = "session"
	subsystemTransport = "transport"
	subsystemAPI       = "api"
)

// Registry holds all Prometheus collectors for the engine.
type Registry struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsTerminal *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	activeSessions   prometheus.Gauge

	eventsFolded    *prometheus.CounterVec
	eventsDiscarded *prometheus.CounterVec

	pushReconnects prometheus.Counter
	pullRequests   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewRegistry creates a registry with all collectors registered, including
// the standard Go and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemSession,
			Name: "started_total", Help: "Scan sessions started, by tool.",
		}, []string{"tool"}),
		sessionsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemSession,
			Name: "terminal_total", Help: "Scan sessions reaching a terminal state, by tool and status.",
		}, []string{"tool", "status"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystemSession,
			Name: "duration_seconds", Help: "Session wall time from start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"tool"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystemSession,
			Name: "active", Help: "Sessions currently in a non-terminal state.",
		}),
		eventsFolded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemSession,
			Name: "events_folded_total", Help: "Stream events folded into a result set, by tool.",
		}, []string{"tool"}),
		eventsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemSession,
			Name: "events_discarded_total", Help: "Stream events dropped before folding, by reason.",
		}, []string{"reason"}),
		pushReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemTransport,
			Name: "push_reconnects_total", Help: "Push channel reconnect attempts.",
		}),
		pullRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemTransport,
			Name: "pull_requests_total", Help: "Pull channel requests, by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystemAPI,
			Name: "http_requests_total", Help: "API requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystemAPI,
			Name: "http_request_duration_seconds", Help: "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		registry: reg,
	}

	reg.MustRegister(
		r.sessionsStarted, r.sessionsTerminal, r.sessionDuration, r.activeSessions,
		r.eventsFolded, r.eventsDiscarded,
		r.pushReconnects, r.pullRequests,
		r.httpRequests, r.httpDuration,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return r
}

// SessionStarted records a session entering Starting.
func (r *Registry) SessionStarted(tool string) {
	r.sessionsStarted.WithLabelValues(tool).Inc()
	r.activeSessions.Inc()
}

// SessionTerminal records a session reaching a terminal state.
func (r *Registry) SessionTerminal(tool, status string, elapsed time.Duration) {
	r.sessionsTerminal.WithLabelValues(tool, status).Inc()
	r.sessionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	r.activeSessions.Dec()
}

// EventFolded records one stream event folded into a result set.
func (r *Registry) EventFolded(tool string) {
	r.eventsFolded.WithLabelValues(tool).Inc()
}

// EventDiscarded records an event dropped before folding. Reasons:
// "stale" (session-id mismatch), "unknown" (outside the normalization
// table), "malformed" (payload decode failure), "backpressure" (slow
// subscriber).
func (r *Registry) EventDiscarded(reason string) {
	r.eventsDiscarded.WithLabelValues(reason).Inc()
}

// PushReconnect records a push channel reconnect attempt.
func (r *Registry) PushReconnect() {
	r.pushReconnects.Inc()
}

// PullRequest records a pull channel request outcome ("ok" or "error").
func (r *Registry) PullRequest(outcome string) {
	r.pullRequests.WithLabelValues(outcome).Inc()
}

// HTTPRequest records one API request.
func (r *Registry) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler returns the /metrics exposition handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
