package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// stormkeep_decisions_total{reason}
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormkeep",
			Name:      "decisions_total",
			Help:      "Admission decisions by reason code.",
		},
		[]string{"reason"},
	)

	Autobans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stormkeep",
			Name:      "autobans_total",
			Help:      "Automatic bans created by the abuse detector.",
		},
	)

	// stormkeep_classifications_total{type,source}
	Classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormkeep",
			Name:      "classifications_total",
			Help:      "IP reputation classifications by type and source.",
		},
		[]string{"type", "source"},
	)

	// stormkeep_provider_calls_total{provider,outcome}
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormkeep",
			Name:      "provider_calls_total",
			Help:      "External reputation provider calls by outcome (hit, miss, error, cached).",
		},
		[]string{"provider", "outcome"},
	)

	TorExits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stormkeep",
			Name:      "tor_exit_nodes",
			Help:      "Tor exit addresses currently known.",
		},
	)

	CounterErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stormkeep",
			Name:      "counter_store_errors_total",
			Help:      "Counter store failures that resulted in a fail-open decision.",
		},
	)

	CleanupRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormkeep",
			Name:      "cleanup_rows_total",
			Help:      "Rows removed by janitor sweeps, per table group.",
		},
		[]string{"target"},
	)
)

func init() {
	prometheus.MustRegister(
		Decisions,
		Autobans,
		Classifications,
		ProviderCalls,
		TorExits,
		CounterErrors,
		CleanupRows,
	)
}
