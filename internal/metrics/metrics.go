// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

// Metrics holds the collectors on a private registry, so several instances
// can coexist in one process (tests, embedded use).
type Metrics struct {
	Registry *prometheus.Registry

	StageExecutions *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	Transitions     *prometheus.CounterVec
	CasesCreated    prometheus.Counter
	QueueDepth      prometheus.Gauge
	ApprovalsOpen   prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		StageExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "stage_executions_total",
			Help:      "Stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"stage"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "case_transitions_total",
			Help:      "Case state transitions by target state.",
		}, []string{"to"}),
		CasesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "cases_created_total",
			Help:      "Cases opened.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Name:      "queue_depth",
			Help:      "Case ids waiting for a worker.",
		}),
		ApprovalsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Name:      "approvals_pending",
			Help:      "Cases parked in AWAITING_APPROVAL by this process.",
		}),
	}

	m.Registry.MustRegister(
		m.StageExecutions,
		m.StageDuration,
		m.Transitions,
		m.CasesCreated,
		m.QueueDepth,
		m.ApprovalsOpen,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage domain.Stage, outcome string, d time.Duration) {
	m.StageExecutions.WithLabelValues(string(stage), outcome).Inc()
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// ObserveTransition records a state change.
func (m *Metrics) ObserveTransition(from, to domain.CaseState) {
	m.Transitions.WithLabelValues(string(to)).Inc()
	if to == domain.StateAwaitingApproval {
		m.ApprovalsOpen.Inc()
	}
	if from == domain.StateAwaitingApproval {
		m.ApprovalsOpen.Dec()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
