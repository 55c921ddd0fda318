package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Router-API metrics
var (
	CallPhaseSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pal",
			Subsystem: "router_api",
			Name:      "call_phase_seconds",
			Help:      "Duration of model call phases (prep, lock_wait, call)",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 12),
		},
		[]string{"provider", "phase"},
	)

	ProviderRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pal",
			Subsystem: "router_api",
			Name:      "provider_retries_total",
			Help:      "Transient failures retried per provider",
		},
		[]string{"provider"},
	)

	ProviderRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pal",
			Subsystem: "router_api",
			Name:      "provider_rotations_total",
			Help:      "Adapter instances rotated after timeout-classed failures",
		},
		[]string{"provider"},
	)

	ProviderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pal",
			Subsystem: "router_api",
			Name:      "provider_errors_total",
			Help:      "Terminal provider call failures by error kind",
		},
		[]string{"provider", "kind"},
	)

	CatalogFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pal",
			Subsystem: "router_api",
			Name:      "catalog_fetches_total",
			Help:      "Dynamic model catalog fetches by outcome",
		},
		[]string{"provider", "outcome"},
	)

	TokensPromptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pal",
			Subsystem: "router_api",
			Name:      "tokens_prompt_total",
			Help:      "Total prompt tokens consumed",
		},
		[]string{"model", "provider"},
	)

	TokensCompletionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pal",
			Subsystem: "router_api",
			Name:      "tokens_completion_total",
			Help:      "Total completion tokens generated",
		},
		[]string{"model", "provider"},
	)
)
