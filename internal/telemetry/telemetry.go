// Package telemetry exposes Prometheus collectors for the ingestion and
// briefing pipeline.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	feedFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsbrief_feed_fetches_total",
			Help: "Total number of feed fetch cycles, labeled by source and status.",
		},
		[]string{"source", "status"},
	)

	itemsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsbrief_items_ingested_total",
			Help: "Total number of newly ingested items, labeled by source.",
		},
		[]string{"source"},
	)

	itemsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsbrief_items_processed_total",
			Help: "Total number of items that reached a terminal status.",
		},
		[]string{"status"},
	)

	activeProcessingItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "newsbrief_active_processing_items",
			Help: "Number of items currently inside the processing pipeline.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsbrief_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsbrief_llm_requests_total",
			Help: "Total number of model requests, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)

	briefsGeneratedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsbrief_briefs_generated_total",
			Help: "Total number of briefs generated.",
		},
	)

	queueBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsbrief_queue_batches_total",
			Help: "Total number of queue batches handled, labeled by status.",
		},
		[]string{"status"},
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
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeDomain extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeDomain(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveFeedFetch records the outcome of one feed fetch cycle.
func ObserveFeedFetch(source string, status string) {
	feedFetchesTotal.WithLabelValues(source, status).Inc()
}

// AddItemsIngested records newly inserted items for a source.
func AddItemsIngested(source string, count int) {
	if count > 0 {
		itemsIngestedTotal.WithLabelValues(source).Add(float64(count))
	}
}

// ObserveItemStatus records an item reaching a terminal status.
func ObserveItemStatus(status string) {
	itemsProcessedTotal.WithLabelValues(status).Inc()
}

// IncActiveProcessing increments the in-flight item gauge.
func IncActiveProcessing() {
	activeProcessingItems.Inc()
}

// DecActiveProcessing decrements the in-flight item gauge.
func DecActiveProcessing() {
	activeProcessingItems.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveLLMRequest records a model request by kind ("generate" or "embed").
func ObserveLLMRequest(kind string, status string) {
	llmRequestsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveBriefGenerated records a completed brief.
func ObserveBriefGenerated() {
	briefsGeneratedTotal.Inc()
}

// ObserveQueueBatch records a handled queue batch.
func ObserveQueueBatch(status string) {
	queueBatchesTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
