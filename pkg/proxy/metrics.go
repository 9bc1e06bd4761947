package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterproxy_cache_hits_total",
		Help: "Requests answered from the response cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterproxy_cache_misses_total",
		Help: "Requests that required an upstream call",
	})
	upstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meterproxy_upstream_latency_seconds",
		Help:    "Time until upstream response headers arrive",
		Buckets: prometheus.DefBuckets,
	})
	upstreamFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterproxy_upstream_failures_total",
		Help: "Upstream calls that failed at the transport level or were rejected by the breaker",
	})
	promptTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meterproxy_prompt_tokens",
		Help:    "Prompt tokens per finalized request",
		Buckets: []float64{1, 10, 50, 100, 500, 1_000, 2_000, 4_000, 8_000, 16_000},
	})
	completionTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meterproxy_completion_tokens",
		Help:    "Completion tokens per finalized request",
		Buckets: []float64{1, 10, 50, 100, 500, 1_000, 2_000, 4_000, 8_000, 16_000},
	})
	estimatedCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterproxy_estimated_cost_usd_total",
		Help: "Estimated spend in USD derived from configured per-1k-token prices",
	}, []string{"model"})
	finalizeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterproxy_finalize_failures_total",
		Help: "Terminal log updates that could not be written",
	})
)
