// File: metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection Metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_sessions_active",
		Help: "The current number of admitted sessions across all workspaces.",
	})
	TotalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_sessions_total",
		Help: "The total number of sessions admitted.",
	})
	AdmissionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_admission_failures_total",
		Help: "The total number of refused session admissions.",
	}, []string{"reason"})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "The total number of messages received from clients.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "The total number of messages sent to clients.",
	})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_send_failures_total",
		Help: "The total number of failed socket sends.",
	})

	// Workspace Metrics
	ActiveWorkspaces = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workspaces_active",
		Help: "The current number of live workspaces.",
	})
	PipelinesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_pipelines_created_total",
		Help: "The total number of pipelines constructed.",
	}, []string{"upgrade"})
	WorkspacesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspaces_closed_total",
		Help: "The total number of workspaces torn down.",
	}, []string{"reason"})
	Upgrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workspace_upgrades_total",
		Help: "The total number of live upgrades started.",
	})

	// Request Metrics
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "The total number of dispatched requests.",
	}, []string{"method", "status"})
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "Time spent handling dispatched requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	ChunkFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "response_chunk_frames_total",
		Help: "The total number of chunked response frames sent.",
	})

	// Broadcast Metrics
	BroadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_deliveries_total",
		Help: "The total number of per-session broadcast deliveries.",
	}, []string{"kind"})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})

	// Error tracking
	ReportedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reported_errors_total",
		Help: "The total number of errors handed to the error reporter.",
	}, []string{"kind"})
)

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
