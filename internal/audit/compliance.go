package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
	"routeforge/internal/metrics"
)

// Severity grades a compliance check.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Check is one compliance rule outcome.
type Check struct {
	Name      string   `json:"name"`
	Severity  Severity `json:"severity"`
	Passed    bool     `json:"passed"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
	Detail    string   `json:"detail"`
}

// ComplianceReport scores a scope against the compliance checks.
type ComplianceReport struct {
	PlanID          string   `json:"plan_id,omitempty"`
	Checks          []Check  `json:"checks"`
	Passed          int      `json:"passed"`
	Total           int      `json:"total"`
	Score           float64  `json:"compliance_score"`
	Rating          string   `json:"rating"`
	Recommendations []string `json:"recommendations"`
}

// ComplianceRating buckets a compliance score.
func ComplianceRating(score float64) string {
	switch {
	case score >= 0.95:
		return "excellent"
	case score >= 0.85:
		return "good"
	case score >= 0.7:
		return "acceptable"
	case score >= 0.5:
		return "needs_improvement"
	default:
		return "critical"
	}
}

// Compliance runs the compliance checks over a plan, or the whole ledger
// when planID is empty.
func (a *Auditor) Compliance(ctx context.Context, planID string) (ComplianceReport, error) {
	sc, err := a.load(ctx, planID)
	if err != nil {
		return ComplianceReport{}, err
	}

	executed, unattested := sc.executedCritical()
	coverage := 1.0
	if len(executed) > 0 {
		coverage = float64(len(executed)-len(unattested)) / float64(len(executed))
	}

	failedCritical := 0
	for _, s := range sc.steps {
		if s.Critical && s.Status == ledger.StepFailed {
			failedCritical++
		}
	}
	unhealthyRuns := 0
	for _, t := range sc.tickets {
		if !t.RouteHealthy {
			unhealthyRuns++
		}
	}
	avgLatency, avgCost := sc.averages()

	diversity := 0.0
	if len(sc.capabilities) > 0 {
		diversity = float64(len(sc.routes)) / float64(len(sc.capabilities))
	}

	checks := []Check{
		{
			Name:      "critical_attestation_coverage",
			Severity:  SeverityCritical,
			Passed:    coverage >= a.th.AttestationCoverage,
			Value:     coverage,
			Threshold: a.th.AttestationCoverage,
			Detail:    fmt.Sprintf("%d of %d executed critical steps attested", len(executed)-len(unattested), len(executed)),
		},
		{
			Name:     "failed_critical_steps",
			Severity: SeverityCritical,
			Passed:   failedCritical == 0,
			Value:    float64(failedCritical),
			Detail:   fmt.Sprintf("%d critical steps failed", failedCritical),
		},
		{
			Name:     "unhealthy_route_executions",
			Severity: SeverityHigh,
			Passed:   unhealthyRuns == 0,
			Value:    float64(unhealthyRuns),
			Detail:   fmt.Sprintf("%d executions ran on unhealthy routes", unhealthyRuns),
		},
		{
			Name:      "average_latency",
			Severity:  SeverityMedium,
			Passed:    avgLatency < a.th.MaxAvgLatencyMS,
			Value:     avgLatency,
			Threshold: a.th.MaxAvgLatencyMS,
			Detail:    fmt.Sprintf("average latency %.0fms over %d executions", avgLatency, len(sc.tickets)),
		},
		{
			Name:      "average_cost",
			Severity:  SeverityMedium,
			Passed:    avgCost < a.th.MaxAvgCost,
			Value:     avgCost,
			Threshold: a.th.MaxAvgCost,
			Detail:    fmt.Sprintf("average cost %.2f over %d executions", avgCost, len(sc.tickets)),
		},
		{
			Name:      "route_diversity",
			Severity:  SeverityLow,
			Passed:    len(sc.capabilities) == 0 || diversity >= a.th.MinRouteDiversity,
			Value:     diversity,
			Threshold: a.th.MinRouteDiversity,
			Detail:    fmt.Sprintf("%d routes across %d capabilities", len(sc.routes), len(sc.capabilities)),
		},
	}

	report := ComplianceReport{PlanID: planID, Checks: checks, Total: len(checks), Recommendations: []string{}}
	for _, c := range checks {
		if c.Passed {
			report.Passed++
			continue
		}
		report.Recommendations = append(report.Recommendations, complianceAdvice(c))
	}
	report.Score = float64(report.Passed) / float64(report.Total)
	report.Rating = ComplianceRating(report.Score)

	metrics.ComplianceScore.WithLabelValues(metrics.Scope(planID)).Set(report.Score)
	a.record(ctx, "compliance_checked", map[string]any{
		"plan_id": planID,
		"score":   report.Score,
		"rating":  report.Rating,
		"passed":  report.Passed,
		"total":   report.Total,
	})
	a.logger.Info("compliance checked",
		zap.String("plan_id", planID),
		zap.Float64("score", report.Score),
		zap.String("rating", report.Rating),
	)
	return report, nil
}

func complianceAdvice(c Check) string {
	switch c.Name {
	case "critical_attestation_coverage":
		return "commit attestations for executed critical steps (coverage " + pct(c.Value) + ")"
	case "failed_critical_steps":
		return "re-run or replan failed critical steps"
	case "unhealthy_route_executions":
		return "run health checks before execution and avoid degraded routes"
	case "average_latency":
		return "optimise routes for latency or bind faster tools"
	case "average_cost":
		return "optimise routes for cost or bind cheaper tools"
	case "route_diversity":
		return "bind alternative routes so capabilities do not depend on a single tool"
	default:
		return c.Detail
	}
}
