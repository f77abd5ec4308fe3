package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the router's Prometheus collectors. Each router instance
// owns its own registry so multiple kernels can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	FailuresTotal    *prometheus.CounterVec
	StreamBytesTotal prometheus.Counter
	CostUSDTotal     prometheus.Counter
	RequestLatency   *prometheus.HistogramVec
	CacheHitsTotal   prometheus.Counter
}

// New creates and registers the collector set.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_router_requests_total",
			Help: "Requests dispatched, by provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_router_failures_total",
			Help: "Terminal request failures by error kind.",
		}, []string{"kind"}),
		StreamBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_router_stream_bytes_total",
			Help: "Bytes of streamed completion text delivered to callers.",
		}),
		CostUSDTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_router_cost_usd_total",
			Help: "Accumulated upstream spend in USD.",
		}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_router_request_latency_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_router_cache_hits_total",
			Help: "Responses served from the response cache.",
		}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.FailuresTotal,
		m.StreamBytesTotal,
		m.CostUSDTotal,
		m.RequestLatency,
		m.CacheHitsTotal,
	)
	return m
}
