// Package metrics provides centralized Prometheus metrics for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts access verdicts by reason and tier.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_decisions_total",
			Help: "Total access decisions by verdict reason and account tier",
		},
		[]string{"reason", "tier"},
	)

	// LedgerErrorsTotal counts failed calls to the usage ledger.
	LedgerErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accessgate_ledger_errors_total",
			Help: "Total usage ledger calls resolved by the fail policy",
		},
	)

	// SweepEvictionsTotal counts entries removed by the background sweeper.
	SweepEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_sweep_evictions_total",
			Help: "Total entries evicted by the sweeper per store",
		},
		[]string{"store"},
	)

	// WindowStoreSize tracks physically present window records.
	WindowStoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "accessgate_window_store_records",
			Help: "Window store records currently held in memory",
		},
	)
)

// RecordDecision records one verdict.
func RecordDecision(reason, tier string) {
	if tier == "" {
		tier = "anonymous"
	}
	DecisionsTotal.WithLabelValues(reason, tier).Inc()
}

// RecordSweep records a sweeper pass over one store.
func RecordSweep(store string, evicted int) {
	SweepEvictionsTotal.WithLabelValues(store).Add(float64(evicted))
}
