// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame routing outcomes.
const (
	RouteRendered = "rendered"
	RouteUnread   = "unread"
	RouteDebug    = "debug"
	RouteIgnored  = "ignored"
	RouteInvalid  = "invalid"
	RouteStale    = "stale"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// BackendRequestDuration tracks calls made to the copilot backend.
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilot_backend_request_duration_seconds",
			Help:    "Copilot backend request duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "status"},
	)

	// StreamsActive tracks open question streams.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copilot_streams_active",
			Help: "Number of open question streams",
		},
	)

	// StreamsTotal tracks finished question streams by outcome.
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_streams_total",
			Help: "Total question streams by outcome",
		},
		[]string{"outcome"},
	)

	// StreamFramesTotal tracks inbound stream frames by role and routing decision.
	StreamFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_stream_frames_total",
			Help: "Total inbound stream frames",
		},
		[]string{"role", "route"},
	)

	// TitleGenerationsTotal tracks title generation jobs by outcome.
	TitleGenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_title_generations_total",
			Help: "Total conversation title generations",
		},
		[]string{"outcome"},
	)

	// QuestionCacheRetries tracks retried cacheQuestion calls.
	QuestionCacheRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copilot_question_cache_retries_total",
			Help: "Total retried oversized question cache calls",
		},
	)

	// SSEConnectionsActive tracks host event stream subscribers.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_sse_connections_active",
			Help: "Number of active host event stream connections",
		},
	)

	// HostMessagesTotal tracks messages received from the embedding host.
	HostMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_host_messages_total",
			Help: "Total messages received from the embedding host",
		},
		[]string{"type", "source"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordBackendRequest records metrics for a backend call.
func RecordBackendRequest(operation, status string, duration float64) {
	BackendRequestDuration.WithLabelValues(operation, status).Observe(duration)
}

// RecordFrame records the routing decision taken for a stream frame.
func RecordFrame(role, route string) {
	StreamFramesTotal.WithLabelValues(role, route).Inc()
}

// IncrementStreams increments the open stream count.
func IncrementStreams() {
	StreamsActive.Inc()
}

// DecrementStreams decrements the open stream count and records the outcome.
func DecrementStreams(outcome string) {
	StreamsActive.Dec()
	StreamsTotal.WithLabelValues(outcome).Inc()
}

// IncrementSSEConnections increments the host event stream count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the host event stream count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
