// Package metrics provides Prometheus metrics for the chat-sync service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"jan-server/services/chat-sync/internal/domain/status"
)

var (
	// RequestsTotal counts HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration tracks HTTP request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"method", "endpoint"},
	)

	// ActiveSessions tracks the number of open conversation sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sync_active_sessions",
			Help: "Number of currently open conversation sessions",
		},
	)

	// AttemptsStarted counts accepted delivery attempts.
	AttemptsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_attempts_started_total",
			Help: "Total number of delivery attempts accepted",
		},
	)

	// AttemptsFinished counts attempts by terminal state.
	AttemptsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_attempts_finished_total",
			Help: "Total number of delivery attempts by terminal state",
		},
		[]string{"state"},
	)

	// StateTransitions tracks pipeline state changes.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_state_transitions_total",
			Help: "Total number of delivery state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// StepDuration tracks remote call latency per pipeline step.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_step_duration_seconds",
			Help:    "Duration of delivery pipeline remote calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"step", "outcome"},
	)

	// PersistPath counts which persistence path saved a reply.
	PersistPath = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_persist_path_total",
			Help: "Total number of replies saved per persistence path",
		},
		[]string{"path"},
	)

	// ViewUpdates counts reconciled view changes by source.
	ViewUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_view_updates_total",
			Help: "Total number of reconciled view changes",
		},
		[]string{"source"},
	)

	// SubscriptionReconnects counts live channel reconnects.
	SubscriptionReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_subscription_reconnects_total",
			Help: "Total number of live channel reconnects",
		},
	)
)

// Recorder adapts the package-level collectors to the pipeline's metrics hook.
type Recorder struct{}

// RecordTransition records a pipeline state change.
func (Recorder) RecordTransition(from, to status.State) {
	StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	if to == status.StateValidating {
		AttemptsStarted.Inc()
	}
	if to.IsTerminal() {
		AttemptsFinished.WithLabelValues(to.String()).Inc()
	}
}

// RecordStep records the latency of a remote call.
func (Recorder) RecordStep(step string, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	StepDuration.WithLabelValues(step, outcome).Observe(d.Seconds())
}

// RecordPersistPath records which path saved a reply.
func (Recorder) RecordPersistPath(path string) {
	PersistPath.WithLabelValues(path).Inc()
}

// RecordRequest records an HTTP request.
func RecordRequest(method, endpoint, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(durationSec)
}

// RecordSessionOpened increments session metrics.
func RecordSessionOpened() {
	ActiveSessions.Inc()
}

// RecordSessionClosed decrements session metrics.
func RecordSessionClosed() {
	ActiveSessions.Dec()
}

// RecordViewUpdate records a reconciled view change.
func RecordViewUpdate(source string) {
	ViewUpdates.WithLabelValues(source).Inc()
}

// RecordSubscriptionReconnect records a live channel reconnect.
func RecordSubscriptionReconnect() {
	SubscriptionReconnects.Inc()
}

// SessionOpened implements the session metrics hook.
func (Recorder) SessionOpened() { RecordSessionOpened() }

// SessionClosed implements the session metrics hook.
func (Recorder) SessionClosed() { RecordSessionClosed() }

// ViewUpdated implements the session metrics hook.
func (Recorder) ViewUpdated(source string) { RecordViewUpdate(source) }
