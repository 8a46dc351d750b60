// Package metrics exposes Prometheus collectors for the roster crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	coarseTasksTotal              *prometheus.CounterVec
	fineTasksTotal                *prometheus.CounterVec
	fetchDurationSeconds          *prometheus.HistogramVec
	fetchErrorsTotal              *prometheus.CounterVec
	activeWorkers                 prometheus.Gauge
	queueDepth                    prometheus.Gauge
	factCacheEntries              prometheus.Gauge
	stateFlushesTotal             *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		coarseTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roster_coarse_tasks_total",
				Help: "Team-season tasks by outcome (completed, skipped, failed, inconsistent).",
			},
			[]string{"outcome"},
		)

		fineTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roster_fine_tasks_total",
				Help: "Player profile tasks by outcome (present, absent, failed, cached).",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roster_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by page kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		fetchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roster_fetch_errors_total",
				Help: "Failed fetch attempts, labeled by page kind and error class.",
			},
			[]string{"kind", "class"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "roster_active_workers",
				Help: "Number of detail workers currently processing a player.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "roster_queue_pending",
				Help: "Player tasks enqueued but not yet marked done.",
			},
		)

		factCacheEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "roster_fact_cache_entries",
				Help: "Number of resolved entries held by the fact cache.",
			},
		)

		stateFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roster_state_flushes_total",
				Help: "Durable state flushes, labeled by store and result.",
			},
			[]string{"store", "result"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roster_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCoarseTask counts a team-season outcome.
func ObserveCoarseTask(outcome string) {
	Init()
	coarseTasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveFineTask counts a player outcome.
func ObserveFineTask(outcome string) {
	Init()
	fineTasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records a fetch latency for the given page kind.
func ObserveFetch(kind string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveFetchError counts a failed fetch attempt.
func ObserveFetchError(kind, class string) {
	Init()
	fetchErrorsTotal.WithLabelValues(kind, class).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueuePending records the outstanding queue items.
func SetQueuePending(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// SetFactCacheEntries records the number of resolved cache entries.
func SetFactCacheEntries(n int) {
	Init()
	factCacheEntries.Set(float64(n))
}

// ObserveStateFlush counts a durable flush for the given store.
func ObserveStateFlush(store string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	stateFlushesTotal.WithLabelValues(store, result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
