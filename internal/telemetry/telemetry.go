// Package telemetry exposes Prometheus collectors for the crawl platform.
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
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_jobs_total",
			Help: "Total number of jobs reaching a status, labeled by status.",
		},
		[]string{"status"},
	)

	urlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_urls_total",
			Help: "Total number of URLs crawled, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_bytes_total",
			Help: "Total number of payload bytes fetched, labeled by site.",
		},
		[]string{"site"},
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

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlgrid_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlgrid_queue_depth",
			Help: "Jobs currently waiting in the queue.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlgrid_rate_limit_delays_seconds",
			Help:    "Histogram of provider rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	outboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_outbox_published_total",
			Help: "Outbox messages published, labeled by result.",
		},
		[]string{"result"},
	)

	quotaDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_quota_decisions_total",
			Help: "Quota admission decisions, labeled by decision.",
		},
		[]string{"decision"},
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

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the hostname from a URL.
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

// ObserveJob records a job status transition.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveURL records the outcome of one crawled URL.
func ObserveURL(site string, success bool, bytesFetched int64) {
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	sanitized := SanitizeSite(site)
	urlsTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest records metrics for a served HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// ObserveRateLimitDelay records the duration of a provider rate limit wait.
func ObserveRateLimitDelay(provider string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveOutboxPublish records one outbox publish attempt.
func ObserveOutboxPublish(ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	outboxPublishedTotal.WithLabelValues(result).Inc()
}

// ObserveQuotaDecision records a quota admission decision.
func ObserveQuotaDecision(allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	quotaDecisionsTotal.WithLabelValues(decision).Inc()
}
