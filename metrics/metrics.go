// Package metrics exposes Prometheus collectors for client operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for OperationsFinished.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// Retry reasons.
const (
	ReasonServer     = "server"
	ReasonTimeout    = "timeout"
	ReasonNotHandled = "not_handled"
)

// Metrics holds the client collectors. A nil *Metrics records nothing.
type Metrics struct {
	OperationsStarted  *prometheus.CounterVec
	OperationsFinished *prometheus.CounterVec
	OperationRetries   *prometheus.CounterVec
	LateFrames         prometheus.Counter
	OperationDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
// A nil reg registers on prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// OperationsStarted tracks operations handed to the dispatcher
		OperationsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escore_operations_started_total",
				Help: "Total number of operations started",
			},
			[]string{"command"},
		),

		// OperationsFinished tracks operations by how they ended
		OperationsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escore_operations_finished_total",
				Help: "Total number of operations that reached a terminal state",
			},
			[]string{"command", "outcome"},
		),

		OperationRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escore_operation_retries_total",
				Help: "Total number of re-sends under a new correlation id",
			},
			[]string{"command", "reason"},
		),

		LateFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "escore_late_frames_total",
			Help: "Replies received for correlation ids that were already retired",
		}),

		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escore_operation_duration_seconds",
				Help:    "Time from enqueue to terminal state in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
	}
}

// Started records a new operation.
func (m *Metrics) Started(command string) {
	if m == nil {
		return
	}
	m.OperationsStarted.WithLabelValues(command).Inc()
}

// Finished records a terminal state and the operation's lifetime.
func (m *Metrics) Finished(command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OperationsFinished.WithLabelValues(command, outcome).Inc()
	m.OperationDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// Retried records a re-send.
func (m *Metrics) Retried(command, reason string) {
	if m == nil {
		return
	}
	m.OperationRetries.WithLabelValues(command, reason).Inc()
}

// LateFrame records a reply for a retired correlation id.
func (m *Metrics) LateFrame() {
	if m == nil {
		return
	}
	m.LateFrames.Inc()
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
