package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream orchestrator.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	requestDuration prometheus.Histogram
	wsSessionsTotal prometheus.Counter

	streamRequestsTotal   prometheus.Counter
	rejectedRequestsTotal prometheus.Counter
	processesStartedTotal prometheus.Counter
	processCrashesTotal   prometheus.Counter
	killsTotal            prometheus.Counter
	killFailuresTotal     prometheus.Counter
	retriesExhaustedTotal prometheus.Counter
	notificationsTotal    *prometheus.CounterVec

	activeJobs      prometheus.Gauge
	pendingRequests prometheus.Gauge
	subscribers     prometheus.Gauge
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Latency of plain HTTP requests; WebSocket sessions are excluded",
			Buckets: prometheus.DefBuckets,
		}),
		wsSessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_websocket_sessions_total",
			Help: "Total number of subscriber WebSocket sessions opened",
		}),
		streamRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stream_requests_total",
			Help: "Total number of stream requests accepted into the admission queue",
		}),
		rejectedRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stream_requests_rejected_total",
			Help: "Total number of stream requests rejected by the transport (invalid or rate limited)",
		}),
		processesStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_processes_started_total",
			Help: "Total number of conversion processes spawned",
		}),
		processCrashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_process_crashes_total",
			Help: "Total number of conversion attempts that ended without being asked to",
		}),
		killsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_process_kills_total",
			Help: "Total number of kill requests issued to conversion processes",
		}),
		killFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_process_kill_failures_total",
			Help: "Total number of kill requests that failed",
		}),
		retriesExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_retries_exhausted_total",
			Help: "Total number of jobs abandoned after exhausting their retry budget",
		}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_notifications_total",
			Help: "Total number of events delivered to subscribers, by event type",
		}, []string{"event"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_jobs",
			Help: "Number of jobs present in the registry",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_requests",
			Help: "Number of requests waiting in the admission queue",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_attached_subscribers",
			Help: "Number of subscribers attached to jobs",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.requestDuration,
		m.wsSessionsTotal,
		m.streamRequestsTotal,
		m.rejectedRequestsTotal,
		m.processesStartedTotal,
		m.processCrashesTotal,
		m.killsTotal,
		m.killFailuresTotal,
		m.retriesExhaustedTotal,
		m.notificationsTotal,
		m.activeJobs,
		m.pendingRequests,
		m.subscribers,
	)

	return m
}

// IncRequests increments the total HTTP request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the HTTP errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// ObserveRequestDuration records the latency of one plain HTTP request.
func (m *Metrics) ObserveRequestDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.Observe(d.Seconds())
}

// IncWebsocketSessions increments the opened WebSocket sessions counter.
func (m *Metrics) IncWebsocketSessions() {
	if m == nil {
		return
	}
	m.wsSessionsTotal.Inc()
}

// IncStreamRequests increments the accepted stream requests counter.
func (m *Metrics) IncStreamRequests() {
	if m == nil {
		return
	}
	m.streamRequestsTotal.Inc()
}

// IncRejectedRequests increments the rejected stream requests counter.
func (m *Metrics) IncRejectedRequests() {
	if m == nil {
		return
	}
	m.rejectedRequestsTotal.Inc()
}

// IncProcessesStarted increments the spawned processes counter.
func (m *Metrics) IncProcessesStarted() {
	if m == nil {
		return
	}
	m.processesStartedTotal.Inc()
}

// IncProcessCrashes increments the failed attempts counter.
func (m *Metrics) IncProcessCrashes() {
	if m == nil {
		return
	}
	m.processCrashesTotal.Inc()
}

// IncKills increments the kill requests counter.
func (m *Metrics) IncKills() {
	if m == nil {
		return
	}
	m.killsTotal.Inc()
}

// IncKillFailures increments the failed kill counter.
func (m *Metrics) IncKillFailures() {
	if m == nil {
		return
	}
	m.killFailuresTotal.Inc()
}

// IncRetriesExhausted increments the abandoned jobs counter.
func (m *Metrics) IncRetriesExhausted() {
	if m == nil {
		return
	}
	m.retriesExhaustedTotal.Inc()
}

// IncNotifications increments the delivered events counter for one event type.
func (m *Metrics) IncNotifications(event string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(event).Inc()
}

// SetQueueState refreshes the registry and queue gauges.
func (m *Metrics) SetQueueState(jobs, pending, subscribers int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(jobs))
	m.pendingRequests.Set(float64(pending))
	m.subscribers.Set(float64(subscribers))
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
