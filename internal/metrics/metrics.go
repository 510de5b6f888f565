// Package metrics provides Prometheus metrics for the router.
package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the router.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec
	BackendFailures  prometheus.Counter

	ProxyOutcomes   *prometheus.CounterVec
	StreamEvents    prometheus.Counter
	BufferedBytes   prometheus.Counter
	KeystoreLookups *prometheus.CounterVec
	HookFailures    *prometheus.CounterVec
}

// New registers every router collector, plus the Go and process collectors, on
// a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adk_router_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adk_router_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adk_router_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adk_router_backend_request_duration_seconds",
			Help:    "Time to ADK backend response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adk_router_backend_responses_total",
			Help: "Total ADK backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		BackendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adk_router_backend_failures_total",
			Help: "ADK backend calls that failed before a response was received.",
		}),

		ProxyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adk_router_proxy_outcomes_total",
			Help: "Completed proxy requests by relay kind and outcome.",
		}, []string{"kind", "outcome"}),

		StreamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adk_router_stream_events_total",
			Help: "Server-sent events relayed from the ADK backend.",
		}),

		BufferedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adk_router_buffered_response_bytes_total",
			Help: "Bytes relayed in buffered (non-streaming) responses.",
		}),

		KeystoreLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adk_router_keystore_lookups_total",
			Help: "Provider key lookups by result.",
		}, []string{"result"}),

		HookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adk_router_hook_failures_total",
			Help: "Interceptor hook errors by hook.",
		}, []string{"hook"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BackendDuration,
		m.BackendResponses,
		m.BackendFailures,
		m.ProxyOutcomes,
		m.StreamEvents,
		m.BufferedBytes,
		m.KeystoreLookups,
		m.HookFailures,
	)

	return m
}

var knownMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// NormalizeMethod maps a request method to a bounded label value.
func NormalizeMethod(method string) string {
	if slices.Contains(knownMethods, method) {
		return method
	}
	return "other"
}

// knownPrefixes are the path label values; the router prefix covers every
// forwarded backend path.
var knownPrefixes = []string{"/api/adk-router", "/api/adk-router-health", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath maps a request path to one of knownPrefixes or "other".
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
