// Package metrics defines the Prometheus metric collectors used across the
// viewer engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchesTotal        *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   prometheus.Histogram
	StaleResponsesTotal  prometheus.Counter
	RemoteRetriesTotal   prometheus.Counter
	PagesIndexedTotal    prometheus.Counter
	IndexSliceDuration   prometheus.Histogram
	IndexPagesSkipped    prometheus.Counter
	RectMissesTotal      prometheus.Counter
	RectAttemptsTotal    prometheus.Counter
	RotationFlushesTotal *prometheus.CounterVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viewer_searches_total",
				Help: "Committed searches by origin (local, remote, mixed) and outcome.",
			},
			[]string{"origin", "outcome"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "viewer_search_latency_seconds",
				Help:    "Committed search latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "viewer_search_results_count",
				Help:    "Number of results per committed search.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
			},
		),
		StaleResponsesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "viewer_stale_responses_total",
				Help: "Responses discarded because a newer request superseded them.",
			},
		),
		RemoteRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "viewer_remote_retries_total",
				Help: "Accent-folded retries issued after a zero-row remote search.",
			},
		),
		PagesIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "viewer_pages_indexed_total",
				Help: "Pages whose normalized cache has been built.",
			},
		),
		IndexSliceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "viewer_index_slice_duration_seconds",
				Help:    "Duration of one cooperative indexing slice.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		IndexPagesSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "viewer_index_pages_skipped_total",
				Help: "Pages skipped because extraction or normalization failed.",
			},
		),
		RectMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "viewer_rect_misses_total",
				Help: "Search results left without a resolved highlight rect.",
			},
		),
		RectAttemptsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "viewer_rect_attempts_total",
				Help: "Text-layer wait attempts during rect resolution.",
			},
		),
		RotationFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viewer_rotation_flushes_total",
				Help: "Debounced rotation persistence flushes by status.",
			},
			[]string{"status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.StaleResponsesTotal,
		m.RemoteRetriesTotal,
		m.PagesIndexedTotal,
		m.IndexSliceDuration,
		m.IndexPagesSkipped,
		m.RectMissesTotal,
		m.RectAttemptsTotal,
		m.RotationFlushesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
