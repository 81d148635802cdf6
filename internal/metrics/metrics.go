package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coursehub"

// Job outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeRequeued  = "requeued"
	OutcomeFailed    = "failed"
)

// Websocket delivery results
const (
	DeliveryDelivered = "delivered"
	DeliveryNoClient  = "no_client"
	DeliveryBroadcast = "broadcast"
	// DeliveryDropped is an event that reached this process for a user whose
	// connection could not take it.
	DeliveryDropped = "dropped"
)

// Metrics holds all application metrics on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	activeWSConnections prometheus.Gauge
	queueWaiting        *prometheus.GaugeVec

	jobsProcessed     *prometheus.CounterVec
	videoTransitions  *prometheus.CounterVec
	uploads           *prometheus.CounterVec
	uploadDuration    prometheus.Histogram
	wsEvents          *prometheus.CounterVec
	notifyPublishFail prometheus.Counter
}

// New creates a new Metrics instance with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestCount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"endpoint", "method", "status_class"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
		activeWSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Active WebSocket connections",
		}),
		queueWaiting: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs_waiting",
			Help:      "Jobs waiting to be claimed",
		}, []string{"queue"}),
		jobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Job handler invocations by outcome",
		}, []string{"queue", "outcome"}),
		videoTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_transitions_total",
			Help:      "Video status transitions by target status",
		}, []string{"status"}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Provider uploads by outcome",
		}, []string{"outcome"}),
		uploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time taken to transfer a file to the provider",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		wsEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_total",
			Help:      "Websocket events by delivery result",
		}, []string{"delivery"}),
		notifyPublishFail: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_publish_failures_total",
			Help:      "Status notifications that could not be published",
		}),
	}
}

// global metrics instance
var defaultMetrics = New()

// Default returns the default metrics instance
func Default() *Metrics {
	return defaultMetrics
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	endpoint := normalizeEndpoint(path)
	m.requestCount.WithLabelValues(endpoint, method, statusClass(statusCode)).Inc()
	m.requestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// normalizeEndpoint normalizes an endpoint path for metrics (removes IDs)
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.activeWSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.activeWSConnections.Dec()
}

// SetQueueWaiting records the number of waiting jobs for a queue
func (m *Metrics) SetQueueWaiting(queue string, n int64) {
	m.queueWaiting.WithLabelValues(queue).Set(float64(n))
}

// RecordJob counts one handler invocation
func (m *Metrics) RecordJob(queue, outcome string) {
	m.jobsProcessed.WithLabelValues(queue, outcome).Inc()
}

// RecordTransition counts a video entering status
func (m *Metrics) RecordTransition(status string) {
	m.videoTransitions.WithLabelValues(status).Inc()
}

// RecordUpload records a provider upload attempt sequence
func (m *Metrics) RecordUpload(success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.uploads.WithLabelValues(outcome).Inc()
	m.uploadDuration.Observe(duration.Seconds())
}

// RecordWSEvent counts a websocket event by delivery result
func (m *Metrics) RecordWSEvent(delivery string) {
	m.wsEvents.WithLabelValues(delivery).Inc()
}

// RecordNotifyFailure counts a dropped status notification
func (m *Metrics) RecordNotifyFailure() {
	m.notifyPublishFail.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsMiddleware creates middleware that records request metrics
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" || r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			wrapped := &statusResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
