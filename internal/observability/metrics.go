package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitAllowed *prometheus.CounterVec
	rateLimitBlocked *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	activeRequests   *prometheus.GaugeVec
	startTime        prometheus.Gauge
	registry         *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"route"},
	)

	m.rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_allowed_total",
			Help:      "Total number of requests admitted by the rate limiter",
		},
		[]string{"route", "method", "caller_kind"},
	)

	m.rateLimitBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_blocked_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
		[]string{"route", "method", "caller_kind"},
	)

	m.authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of token verification failures",
		},
		[]string{"route", "reason"},
	)

	m.upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of upstream transport failures",
		},
		[]string{"service"},
	)

	m.activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
		[]string{"route"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix timestamp of process start",
		},
	)
	m.startTime.SetToCurrentTime()

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimitAllowed,
		m.rateLimitBlocked,
		m.authFailures,
		m.upstreamErrors,
		m.activeRequests,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, route, s).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRateLimitAllowed records an admitted rate-limit decision.
func (m *Metrics) RecordRateLimitAllowed(route, method, callerKind string) {
	m.rateLimitAllowed.WithLabelValues(route, method, callerKind).Inc()
}

// RecordRateLimitBlocked records a rejected rate-limit decision.
func (m *Metrics) RecordRateLimitBlocked(route, method, callerKind string) {
	m.rateLimitBlocked.WithLabelValues(route, method, callerKind).Inc()
}

// RecordAuthFailure records a token verification failure.
func (m *Metrics) RecordAuthFailure(route, reason string) {
	m.authFailures.WithLabelValues(route, reason).Inc()
}

// RecordUpstreamError records an upstream transport failure.
func (m *Metrics) RecordUpstreamError(service string) {
	m.upstreamErrors.WithLabelValues(service).Inc()
}

// RequestStarted marks a request as in flight.
func (m *Metrics) RequestStarted(route string) {
	m.activeRequests.WithLabelValues(route).Inc()
}

// RequestFinished marks a request as done.
func (m *Metrics) RequestFinished(route string) {
	m.activeRequests.WithLabelValues(route).Dec()
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
