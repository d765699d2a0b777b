// Package metrics provides Prometheus collectors for routing, execution and
// governance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "routeforge"

var (
	// RouteSelections counts router decisions.
	// Labels: router (ucb, thompson), reason (exploit, explore, degraded)
	RouteSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "selections_total",
			Help:      "Total number of route selections by router and reason",
		},
		[]string{"router", "reason"},
	)

	// RewardUpdates counts learning updates applied to routes.
	// Labels: outcome (success, failure)
	RewardUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "reward_updates_total",
			Help:      "Total number of reward updates applied to route learning",
		},
		[]string{"outcome"},
	)

	// ExplorationRate reports the router's current exploration rate.
	ExplorationRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "exploration_rate",
			Help:      "Current probability of exploring a random healthy route",
		},
	)

	// TicketsTotal counts execution tickets by outcome and path.
	// Labels: status (completed, failed), path (standard, high_assurance)
	TicketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "tickets_total",
			Help:      "Total number of execution tickets by status and path",
		},
		[]string{"status", "path"},
	)

	// StepDuration tracks backend execution latency.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "step_duration_seconds",
			Help:      "Duration of backend step executions in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	// AssuranceFallbacks counts degradations along the high-assurance path.
	// Labels: from (adjudicator, mad, insufficient_candidates, unavailable)
	AssuranceFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "assurance_fallbacks_total",
			Help:      "Total number of high-assurance fallbacks by failing tier",
		},
		[]string{"from"},
	)

	// LedgerWriteFailures counts ledger writes that failed after execution.
	LedgerWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "write_failures_total",
			Help:      "Total number of ledger writes that failed after a step executed",
		},
	)

	// DebateRounds tracks rounds run per debate.
	DebateRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "debate",
			Name:      "rounds",
			Help:      "Number of rounds run per debate",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		},
	)

	// HealthChecks counts route health checks.
	// Labels: result (healthy, unhealthy, error)
	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "health_checks_total",
			Help:      "Total number of route health checks by result",
		},
		[]string{"result"},
	)

	// WeightAdjustments counts route weight changes persisted by the optimizer.
	WeightAdjustments = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "weight_adjustments_total",
			Help:      "Total number of route weight triples persisted by the optimizer",
		},
	)

	// ComplianceScore reports the latest compliance score per scope.
	ComplianceScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "compliance_score",
			Help:      "Most recent compliance score by scope",
		},
		[]string{"scope"},
	)

	// RiskScore reports the latest risk score per scope.
	RiskScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "risk_score",
			Help:      "Most recent risk score by scope",
		},
		[]string{"scope"},
	)

	// OperationsTotal counts operations served through any transport.
	// Labels: op, result (ok, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "operations_total",
			Help:      "Total number of operations by name and result",
		},
		[]string{"op", "result"},
	)

	// JobsTotal counts daemon jobs by outcome.
	// Labels: type, result (succeeded, failed, retried)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "jobs_total",
			Help:      "Total number of daemon jobs by type and result",
		},
		[]string{"type", "result"},
	)
)

// Scope returns the label used for plan-scoped gauges.
func Scope(planID string) string {
	if planID == "" {
		return "global"
	}
	return "plan"
}
