// Package metrics exposes Prometheus instrumentation for the knowledge
// service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RetrievalStrategy *prometheus.CounterVec
	RetrievedChunks   prometheus.Histogram
	FallbacksTotal    *prometheus.CounterVec
	CompletionRetries prometheus.Counter
	CacheHits         *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledge_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "knowledge_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"route"}),
		RetrievalStrategy: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledge_retrieval_strategy_total",
			Help: "Retrievals by effective strategy.",
		}, []string{"strategy"}),
		RetrievedChunks: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "knowledge_retrieved_chunks",
			Help:    "Chunks returned per retrieval after post-processing.",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		FallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledge_fallbacks_total",
			Help: "Fallback responses by strategy tag.",
		}, []string{"strategy"}),
		CompletionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "knowledge_completion_retries_total",
			Help: "Completion client retry attempts.",
		}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledge_cache_hits_total",
			Help: "Cache lookups by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one handled HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
