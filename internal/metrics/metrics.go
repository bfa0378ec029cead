// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wavecom_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wavecom_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wavecom_jobs_created_total",
			Help: "Total notification jobs created by channel and priority",
		},
		[]string{"channel", "priority"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wavecom_delivery_attempts_total",
			Help: "Delivery attempts by channel and outcome (sent, retry, failed, dropped)",
		},
		[]string{"channel", "outcome"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wavecom_delivery_latency_seconds",
			Help:    "Provider send latency per attempt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wavecom_queue_depth",
			Help: "Current queue depth per lane",
		},
		[]string{"lane"},
	)

	deadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wavecom_dead_letters",
			Help: "Current dead letter queue size",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wavecom_breaker_state",
			Help: "Circuit breaker state per channel (0=closed, 1=open, 2=half-open)",
		},
		[]string{"channel"},
	)

	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wavecom_jobs_in_flight",
			Help: "Deliveries currently being processed by this worker",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wavecom_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wavecom_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobCreated records a job creation
func RecordJobCreated(channel, priority string) {
	jobsCreated.WithLabelValues(channel, priority).Inc()
}

// RecordDeliveryAttempt records the outcome of one delivery attempt
func RecordDeliveryAttempt(channel, outcome string) {
	deliveryAttempts.WithLabelValues(channel, outcome).Inc()
}

// RecordDeliveryLatency records provider send latency for one attempt
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetQueueDepth sets the current depth of a lane
func SetQueueDepth(lane string, depth int) {
	queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetDeadLetters sets the current dead letter count
func SetDeadLetters(count int) {
	deadLetters.Set(float64(count))
}

// SetBreakerState sets the circuit breaker state gauge for a channel
func SetBreakerState(channel string, state int) {
	breakerState.WithLabelValues(channel).Set(float64(state))
}

// SetJobsInFlight sets the current in-flight delivery count
func SetJobsInFlight(count int) {
	jobsInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
