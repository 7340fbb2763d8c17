// Package metrics exposes the Prometheus counters and histograms the
// diagnostics HTTP surface serves at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CycleDuration tracks one reconciliation pass's wall-clock cost per mode.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "site_agent_processor_cycle_duration_seconds",
		Help:    "Duration of one processor reconciliation cycle.",
		Buckets: prometheus.DefBuckets,
	}, []string{"offering", "mode"})

	// StompReconnects counts every failed STOMP reconnect attempt after a
	// listener loses its connection (via stomp.Listener.OnReconnect).
	StompReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "site_agent_stomp_reconnects_total",
		Help: "Total STOMP reconnect attempts.",
	}, []string{"offering", "object_type"})

	// OrdersProcessed counts every order approved for execution.
	OrdersProcessed = orderCounter("site_agent_orders_processed_total", "Total orders approved for execution.")
	// OrdersDone counts orders that reached the DONE terminal state.
	OrdersDone = orderCounter("site_agent_orders_done_total", "Total orders marked DONE.")
	// OrdersErred counts orders that reached the ERRED terminal state.
	OrdersErred = orderCounter("site_agent_orders_erred_total", "Total orders marked ERRED.")

	// MembershipAdded counts usernames added to backend resources.
	MembershipAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "site_agent_membership_add_total",
		Help: "Total usernames added to backend resource membership.",
	})
	// MembershipRemoved counts usernames removed from backend resources.
	MembershipRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "site_agent_membership_remove_total",
		Help: "Total usernames removed from backend resource membership.",
	})

	// UsageSubmissions counts component usage submissions to the marketplace.
	UsageSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "site_agent_usage_submissions_total",
		Help: "Total component usage submissions.",
	}, []string{"offering", "component"})

	// MarketplaceCircuitState reports the marketplace client's circuit
	// breaker state per target (0=closed, 1=open, 2=half-open, matching
	// resilience.State's iota order), so an unreachable marketplace
	// instance shows up on the same dashboards as every other
	// reconciliation metric instead of only in logs.
	MarketplaceCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "site_agent_marketplace_circuit_state",
		Help: "Marketplace client circuit breaker state (0=closed, 1=open, 2=half-open).",
	}, []string{"target"})
)

func orderCounter(name, help string) prometheus.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}
