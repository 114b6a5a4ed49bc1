package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the prometheus collectors for the lending pipeline. Each
// daemon owns its registry; nothing is registered globally so tests can run
// several instances side by side.
type Metrics struct {
	registry *prometheus.Registry

	Submissions     *prometheus.CounterVec
	ConfirmLatency  *prometheus.HistogramVec
	ReconcileEvents *prometheus.CounterVec
	ReconcileCycles prometheus.Counter
	PendingActions  prometheus.Gauge
}

// NewMetrics builds a fresh registry with the lending collectors plus the
// standard process and Go runtime collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elinklend",
			Name:      "submissions_total",
			Help:      "Transaction submissions by action kind and outcome.",
		}, []string{"action", "outcome"}),
		ConfirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elinklend",
			Name:      "confirmation_latency_seconds",
			Help:      "Time from broadcast to confirmed receipt.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90, 180},
		}, []string{"action"}),
		ReconcileEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elinklend",
			Name:      "reconcile_events_total",
			Help:      "Contract events folded into the store, by kind and disposition.",
		}, []string{"kind", "disposition"}),
		ReconcileCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elinklend",
			Name:      "reconcile_cycles_total",
			Help:      "Completed refresh cycles of the reconciliation loop.",
		}),
		PendingActions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elinklend",
			Name:      "pending_actions",
			Help:      "Pending actions currently overlaying the confirmed loan set.",
		}),
	}
	registry.MustRegister(
		m.Submissions,
		m.ConfirmLatency,
		m.ReconcileEvents,
		m.ReconcileCycles,
		m.PendingActions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// RecordSubmission counts one submission outcome.
func (m *Metrics) RecordSubmission(action, outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(action, outcome).Inc()
}

// ObserveConfirmation records broadcast-to-receipt latency in seconds.
func (m *Metrics) ObserveConfirmation(action string, seconds float64) {
	if m == nil {
		return
	}
	m.ConfirmLatency.WithLabelValues(action).Observe(seconds)
}

// RecordEvent counts one reconciled event by disposition (applied, stale,
// rejected).
func (m *Metrics) RecordEvent(kind, disposition string) {
	if m == nil {
		return
	}
	m.ReconcileEvents.WithLabelValues(kind, disposition).Inc()
}

// RecordCycle counts one reconciliation refresh pass.
func (m *Metrics) RecordCycle() {
	if m == nil {
		return
	}
	m.ReconcileCycles.Inc()
}

// SetPending tracks the size of the pending-action overlay.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingActions.Set(float64(n))
}
