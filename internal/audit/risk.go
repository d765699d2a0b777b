package audit

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
	"routeforge/internal/metrics"
)

// LevelInsufficientData is reported when a scope has nothing to assess.
const LevelInsufficientData = "insufficient_data"

// Risk is one identified risk.
type Risk struct {
	Kind        string  `json:"kind"`
	Subject     string  `json:"subject,omitempty"`
	Description string  `json:"description"`
	Probability float64 `json:"probability"`
	Impact      float64 `json:"impact"`
	Mitigation  string  `json:"mitigation"`
}

// RiskReport lists the risks of a scope.
type RiskReport struct {
	PlanID string  `json:"plan_id,omitempty"`
	Risks  []Risk  `json:"risks"`
	Score  float64 `json:"risk_score"`
	Level  string  `json:"level"`
}

// RiskLevel buckets a risk score.
func RiskLevel(score float64) string {
	switch {
	case score >= 0.8:
		return "critical"
	case score >= 0.6:
		return "high"
	case score >= 0.4:
		return "medium"
	case score >= 0.2:
		return "low"
	default:
		return "minimal"
	}
}

// Risk assesses a plan, or the whole ledger when planID is empty. The score
// is the mean of probability x impact over the identified risks.
func (a *Auditor) Risk(ctx context.Context, planID string) (RiskReport, error) {
	sc, err := a.load(ctx, planID)
	if err != nil {
		return RiskReport{}, err
	}
	report := RiskReport{PlanID: planID, Risks: []Risk{}}
	if len(sc.steps) == 0 && len(sc.tickets) == 0 && len(sc.routes) == 0 {
		report.Level = LevelInsufficientData
		return report, nil
	}

	executed, unattested := sc.executedCritical()
	if len(unattested) > 0 {
		report.Risks = append(report.Risks, Risk{
			Kind:        "unattested_critical_steps",
			Description: fmt.Sprintf("%d of %d executed critical steps have no attestation", len(unattested), len(executed)),
			Probability: float64(len(unattested)) / float64(len(executed)),
			Impact:      0.9,
			Mitigation:  "commit results with attestations for critical steps",
		})
	}

	critical, failed := 0, 0
	criticalCaps := map[string]bool{}
	for _, s := range sc.steps {
		if !s.Critical {
			continue
		}
		critical++
		criticalCaps[s.Capability] = true
		if s.Status == ledger.StepFailed {
			failed++
		}
	}
	if failed > 0 {
		report.Risks = append(report.Risks, Risk{
			Kind:        "failed_critical_steps",
			Description: fmt.Sprintf("%d of %d critical steps failed", failed, critical),
			Probability: float64(failed) / float64(critical),
			Impact:      1.0,
			Mitigation:  "re-run failed critical steps or expand the plan with guarded alternatives",
		})
	}

	report.Risks = append(report.Risks, sc.singlePointsOfFailure(criticalCaps)...)

	unhealthy := 0
	for _, t := range sc.tickets {
		if !t.RouteHealthy {
			unhealthy++
		}
	}
	if unhealthy > 0 {
		report.Risks = append(report.Risks, Risk{
			Kind:        "unhealthy_route_executions",
			Description: fmt.Sprintf("%d of %d executions ran on unhealthy routes", unhealthy, len(sc.tickets)),
			Probability: float64(unhealthy) / float64(len(sc.tickets)),
			Impact:      0.7,
			Mitigation:  "restore route health or bind healthy alternatives",
		})
	}

	avgLatency, avgCost := sc.averages()
	if avgLatency > a.th.MaxAvgLatencyMS {
		report.Risks = append(report.Risks, Risk{
			Kind:        "high_latency",
			Description: fmt.Sprintf("average latency %.0fms exceeds %.0fms", avgLatency, a.th.MaxAvgLatencyMS),
			Probability: math.Min(1, avgLatency/(2*a.th.MaxAvgLatencyMS)),
			Impact:      0.5,
			Mitigation:  "optimise routes for latency",
		})
	}
	if avgCost > a.th.MaxAvgCost {
		report.Risks = append(report.Risks, Risk{
			Kind:        "high_cost",
			Description: fmt.Sprintf("average cost %.2f exceeds %.2f", avgCost, a.th.MaxAvgCost),
			Probability: math.Min(1, avgCost/(2*a.th.MaxAvgCost)),
			Impact:      0.6,
			Mitigation:  "optimise routes for cost",
		})
	}

	if len(report.Risks) > 0 {
		var sum float64
		for _, r := range report.Risks {
			sum += r.Probability * r.Impact
		}
		report.Score = sum / float64(len(report.Risks))
	}
	report.Level = RiskLevel(report.Score)

	metrics.RiskScore.WithLabelValues(metrics.Scope(planID)).Set(report.Score)
	a.record(ctx, "risk_assessed", map[string]any{
		"plan_id": planID,
		"score":   report.Score,
		"level":   report.Level,
		"risks":   len(report.Risks),
	})
	a.logger.Info("risk assessed",
		zap.String("plan_id", planID),
		zap.Float64("score", report.Score),
		zap.String("level", report.Level),
	)
	return report, nil
}

// singlePointsOfFailure flags capabilities that have executed work but only
// one healthy route.
func (sc *scope) singlePointsOfFailure(criticalCaps map[string]bool) []Risk {
	healthy := map[string][]string{}
	for _, r := range sc.routes {
		if r.Healthy {
			healthy[r.Capability] = append(healthy[r.Capability], r.ID)
		}
	}
	executions := map[string]int{}
	for _, t := range sc.tickets {
		executions[t.Capability]++
	}

	var risks []Risk
	for _, capability := range sc.capabilities {
		ids := healthy[capability]
		if len(ids) != 1 || executions[capability] == 0 {
			continue
		}
		impact := 0.5
		if criticalCaps[capability] {
			impact = 0.8
		}
		risks = append(risks, Risk{
			Kind:        "single_point_of_failure",
			Subject:     capability,
			Description: fmt.Sprintf("%s depends on a single healthy route (%s)", capability, ids[0]),
			Probability: 0.5,
			Impact:      impact,
			Mitigation:  "bind an alternative route for " + capability,
		})
	}
	return risks
}
