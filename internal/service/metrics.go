package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var (
	routingDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scenario",
		Subsystem: "router",
		Name:      "decisions_total",
		Help:      "Routing decisions by tier (1, 2, 3) and source (cache, cascade).",
	}, []string{"tier", "source"})

	tierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scenario",
		Subsystem: "router",
		Name:      "tier_latency_seconds",
		Help:      "Latency of each matching tier.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
	}, []string{"tier"})

	decisionCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scenario",
		Subsystem: "router",
		Name:      "decision_cache_total",
		Help:      "Decision cache lookups by result: hit, miss, error.",
	}, []string{"result"})

	tierErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scenario",
		Subsystem: "router",
		Name:      "tier_errors_total",
		Help:      "Per-scenario scoring errors recovered inside a tier.",
	}, []string{"tier"})

	poolBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scenario",
		Subsystem: "pool",
		Name:      "builds_total",
		Help:      "Pool loads by outcome: built, refreshed, stale, failed.",
	}, []string{"outcome"})

	poolExclusionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scenario",
		Subsystem: "pool",
		Name:      "excluded_scenarios_total",
		Help:      "Scenarios excluded from a pool build by reason.",
	}, []string{"reason"})

	tier3OutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scenario",
		Subsystem: "tier3",
		Name:      "outcomes_total",
		Help:      "Tier-3 outcomes: model, no_match, timeout, provider_error, unknown_id, rate_limited, no_candidates, cancelled.",
	}, []string{"outcome"})

	learningDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scenario",
		Subsystem: "learning",
		Name:      "dropped_total",
		Help:      "Learning records dropped because the queue was full.",
	})
)

var routingTracer = otel.Tracer("clientsvia.scenario.routing")
