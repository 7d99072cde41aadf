// Package metrics holds the kernel's Prometheus collectors. All collectors
// live on a dedicated registry so tests can create isolated instances; the
// ops server exposes the default set via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set groups every collector the kernel registers.
type Set struct {
	Registry *prometheus.Registry

	BusDropped        *prometheus.CounterVec // topic
	BusDelivered      *prometheus.CounterVec // topic
	GuardRejections   *prometheus.CounterVec // reason
	OrdersPlaced      *prometheus.CounterVec // venue, side
	HealthTransitions *prometheus.CounterVec // from, to, reason
	TaskRestarts      *prometheus.CounterVec // task
	DepegTriggers     prometheus.Counter
}

// New creates a Set backed by a fresh registry.
func New() *Set {
	reg := prometheus.NewRegistry()

	s := &Set{
		Registry: reg,
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_dropped_total",
			Help: "Events dropped because a topic queue was full.",
		}, []string{"topic"}),
		BusDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_delivered_total",
			Help: "Events handed to subscribers.",
		}, []string{"topic"}),
		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_rejections_total",
			Help: "Order intents rejected by the guard chain, by reason.",
		}, []string{"reason"}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Orders submitted to a venue.",
		}, []string{"venue", "side"}),
		HealthTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "health_transitions_total",
			Help: "Accepted health state transitions.",
		}, []string{"from", "to", "reason"}),
		TaskRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_restarts_total",
			Help: "Supervised task restarts after failure.",
		}, []string{"task"}),
		DepegTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depeg_triggers_total",
			Help: "Confirmed depeg events.",
		}),
	}

	reg.MustRegister(
		s.BusDropped,
		s.BusDelivered,
		s.GuardRejections,
		s.OrdersPlaced,
		s.HealthTransitions,
		s.TaskRestarts,
		s.DepegTriggers,
	)
	return s
}
