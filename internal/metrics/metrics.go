// Package metrics defines the engine's optional Prometheus instrumentation,
// following the counter/histogram vector style of the teacher pack's
// ChainSafe relayer metrics. Unlike that package's always-registered
// globals, these are nil-safe: a *Metrics obtained via Disabled() (or a nil
// *Metrics) silently no-ops every call, so the engine can be built without
// ever checking a config flag at each call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's counters. A nil *Metrics is valid and every
// method on it is a no-op.
type Metrics struct {
	reconcileDecisions *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	transportErrors    *prometheus.CounterVec
}

// New registers the engine's metrics against reg and returns a *Metrics
// backed by it. Pass prometheus.NewRegistry() for test isolation or
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconcileDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_reconcile_decisions_total",
				Help: "Reconciliation decisions by outcome (push, pull, delete, noop, conflict).",
			},
			[]string{"decision"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_notifications_total",
				Help: "Notification dispatcher cycles, by whether any subscriber callback failed.",
			},
			[]string{"outcome"},
		),
		transportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_transport_errors_total",
				Help: "Transport RPC failures by operation and status text.",
			},
			[]string{"operation", "status"},
		),
	}
	reg.MustRegister(m.reconcileDecisions, m.notifications, m.transportErrors)
	return m
}

// Disabled returns a *Metrics that records nothing and registers nothing.
func Disabled() *Metrics { return nil }

func (m *Metrics) ObserveReconcileDecision(decision string) {
	if m == nil {
		return
	}
	m.reconcileDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransportError(operation, status string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(operation, status).Inc()
}
