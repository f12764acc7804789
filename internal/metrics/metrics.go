// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for fetch latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Upstream target labels.
const (
	TargetOrigin = "origin"
	TargetWebP   = "webp"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	FillsTotal        *prometheus.CounterVec
	TranscodesTotal   *prometheus.CounterVec
	PurgesTotal       prometheus.Counter
	CacheBytesWritten prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pullcache_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pullcache_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pullcache_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pullcache_upstream_request_duration_seconds",
			Help:    "Outbound call latency in seconds, by target.",
			Buckets: defaultBuckets,
		}, []string{"target"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pullcache_upstream_responses_total",
			Help: "Total outbound responses by target and status code.",
		}, []string{"target", "status_code"}),

		FillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pullcache_fills_total",
			Help: "Cache fill attempts by outcome.",
		}, []string{"outcome"}),

		TranscodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pullcache_transcodes_total",
			Help: "WebP transcoding attempts by result.",
		}, []string{"result"}),

		PurgesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pullcache_purges_total",
			Help: "Cache artifacts removed because the origin declared them expired.",
		}),

		CacheBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pullcache_cache_bytes_written_total",
			Help: "Bytes written to the cache tree.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.FillsTotal,
		m.TranscodesTotal,
		m.PurgesTotal,
		m.CacheBytesWritten,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeRoute returns the route label for a matched echo route pattern.
// Unmatched requests have an empty pattern.
func NormalizeRoute(pattern string) string {
	if pattern == "" {
		return "other"
	}
	return pattern
}

// The helpers below tolerate a nil receiver so components can run without metrics.

// ObserveUpstream records one outbound call. status is 0 on transport failure.
func (m *Metrics) ObserveUpstream(target string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(target).Observe(seconds)
	if status > 0 {
		m.UpstreamResponses.WithLabelValues(target, statusLabel(status)).Inc()
	}
}

// IncFill counts a fill by outcome.
func (m *Metrics) IncFill(outcome string) {
	if m == nil {
		return
	}
	m.FillsTotal.WithLabelValues(outcome).Inc()
}

// IncTranscode counts a transcoding attempt by result.
func (m *Metrics) IncTranscode(result string) {
	if m == nil {
		return
	}
	m.TranscodesTotal.WithLabelValues(result).Inc()
}

// IncPurge counts a purged artifact.
func (m *Metrics) IncPurge() {
	if m == nil {
		return
	}
	m.PurgesTotal.Inc()
}

// AddBytesWritten adds n to the cache write counter.
func (m *Metrics) AddBytesWritten(n int) {
	if m == nil {
		return
	}
	m.CacheBytesWritten.Add(float64(n))
}

func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
