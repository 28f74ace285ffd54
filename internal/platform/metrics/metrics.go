package metrics

import (
	"net/http"

	"livedub/internal/probe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for playback sessions and
// the HTTP surfaces around them.
type Metrics struct {
	registry       *prometheus.Registry
	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	triggersTotal  *prometheus.CounterVec
	probeAttempts  *prometheus.CounterVec
	recoveries     prometheus.Counter
	failuresTotal  *prometheus.CounterVec
	activeSessions prometheus.Gauge
	logEntries     prometheus.Counter
}

// New creates and registers Prometheus metrics under a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livedub_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livedub_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	triggersTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livedub_pipeline_triggers_total",
		Help: "Pipeline start requests by result",
	}, []string{"result"})
	probeAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livedub_manifest_probe_attempts_total",
		Help: "Manifest existence checks by outcome",
	}, []string{"outcome"})
	recoveries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livedub_playback_recoveries_total",
		Help: "Media error recoveries attempted",
	})
	failuresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livedub_session_failures_total",
		Help: "Sessions that ended in Failed, by reason",
	}, []string{"reason"})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livedub_active_sessions",
		Help: "Sessions that are neither idle nor failed",
	})
	logEntries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livedub_log_entries_total",
		Help: "Pipeline log lines received",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		triggersTotal,
		probeAttempts,
		recoveries,
		failuresTotal,
		activeSessions,
		logEntries,
	)

	return &Metrics{
		registry:       registry,
		requestsTotal:  requestsTotal,
		errorsTotal:    errorsTotal,
		triggersTotal:  triggersTotal,
		probeAttempts:  probeAttempts,
		recoveries:     recoveries,
		failuresTotal:  failuresTotal,
		activeSessions: activeSessions,
		logEntries:     logEntries,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Triggered counts a pipeline start request.
func (m *Metrics) Triggered(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.triggersTotal.WithLabelValues(result).Inc()
}

// ProbeAttempt counts a manifest check.
func (m *Metrics) ProbeAttempt(outcome probe.Outcome) {
	m.probeAttempts.WithLabelValues(outcome.String()).Inc()
}

// Recovering counts a media error recovery.
func (m *Metrics) Recovering() {
	m.recoveries.Inc()
}

// Failed counts a session failure.
func (m *Metrics) Failed(reason string) {
	m.failuresTotal.WithLabelValues(reason).Inc()
}

// IncLogEntries counts a received log line.
func (m *Metrics) IncLogEntries() {
	m.logEntries.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
