package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the FinMark server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Access gate metrics.
	GateEvaluationsTotal *prometheus.CounterVec

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Rate limiting metrics.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Audit collector metrics.
	CollectorBufferSize   prometheus.Gauge
	CollectorFlushesTotal *prometheus.CounterVec
	CollectorEventsTotal  prometheus.Counter

	// Dashboard cache metrics.
	CacheLookupsTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finmark_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finmark_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finmark_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		GateEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finmark_gate_evaluations_total",
			Help: "Total number of access gate evaluations by outcome.",
		}, []string{"state"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finmark_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"method"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finmark_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"method"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finmark_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finmark_audit_buffer_size",
			Help: "Current number of buffered audit events.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finmark_audit_flushes_total",
			Help: "Total number of audit collector flushes.",
		}, []string{"status"}),

		CollectorEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finmark_audit_events_total",
			Help: "Total number of audit events recorded.",
		}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finmark_dashboard_cache_lookups_total",
			Help: "Total number of dashboard cache lookups.",
		}, []string{"result"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finmark_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.GateEvaluationsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.RateLimitRejectionsTotal,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorEventsTotal,
		m.CacheLookupsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncGateEvaluation increments the gate evaluation counter for an outcome state.
func (m *Metrics) IncGateEvaluation(state string) {
	m.GateEvaluationsTotal.WithLabelValues(state).Inc()
}

// IncAuthFailure increments the auth failure counter for the given method.
func (m *Metrics) IncAuthFailure(method string) {
	m.AuthFailuresTotal.WithLabelValues(method).Inc()
}

// IncAuthSuccess increments the auth success counter for the given method.
func (m *Metrics) IncAuthSuccess(method string) {
	m.AuthSuccessesTotal.WithLabelValues(method).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// IncCacheHit increments the dashboard cache lookup counter with a hit result.
func (m *Metrics) IncCacheHit() {
	m.CacheLookupsTotal.WithLabelValues("hit").Inc()
}

// IncCacheMiss increments the dashboard cache lookup counter with a miss result.
func (m *Metrics) IncCacheMiss() {
	m.CacheLookupsTotal.WithLabelValues("miss").Inc()
}
