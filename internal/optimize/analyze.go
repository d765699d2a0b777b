package optimize

import (
	"context"
	"fmt"

	"routeforge/internal/ledger"
)

// AnalyzeRequest scopes a performance analysis. An empty capability covers
// every route.
type AnalyzeRequest struct {
	Capability string `json:"capability,omitempty"`
}

// RouteStats is the observed performance of one route.
type RouteStats struct {
	RouteID        string         `json:"route_id"`
	Capability     string         `json:"capability"`
	Healthy        bool           `json:"healthy"`
	Calls          int64          `json:"calls"`
	SuccessRate    float64        `json:"success_rate"`
	AvgLatencyMS   float64        `json:"avg_latency_ms"`
	AvgCost        float64        `json:"avg_cost"`
	AvgReliability float64        `json:"avg_reliability"`
	LastReward     float64        `json:"last_reward"`
	Score          float64        `json:"score"`
	Weights        ledger.Weights `json:"weights"`
}

// Aggregate summarises all analysed routes. Averages are weighted by calls.
type Aggregate struct {
	Routes          int     `json:"routes"`
	Capabilities    int     `json:"capabilities"`
	HealthyRoutes   int     `json:"healthy_routes"`
	Calls           int64   `json:"calls"`
	SuccessRate     float64 `json:"success_rate"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
	AvgCost         float64 `json:"avg_cost"`
	ExplorationRate float64 `json:"exploration_rate"`
}

// PerformanceReport is the result of AnalyzePerformance.
type PerformanceReport struct {
	Routes          []RouteStats `json:"routes"`
	Aggregate       Aggregate    `json:"aggregate"`
	Recommendations []string     `json:"recommendations"`
}

// AnalyzePerformance reports per-route and aggregate statistics with
// recommendations.
func (o *Optimizer) AnalyzePerformance(ctx context.Context, req AnalyzeRequest) (PerformanceReport, error) {
	routes, err := o.store.ListRoutes(ctx, req.Capability)
	if err != nil {
		return PerformanceReport{}, err
	}
	learning, err := o.store.ListLearning(ctx)
	if err != nil {
		return PerformanceReport{}, err
	}

	report := PerformanceReport{Routes: []RouteStats{}, Recommendations: []string{}}
	agg := &report.Aggregate
	agg.Routes = len(routes)
	agg.ExplorationRate = o.tuner.ExplorationRate()

	var success int64
	var latency, cost float64
	healthyPerCap := map[string]int{}
	for _, route := range routes {
		l := learning[route.ID]
		report.Routes = append(report.Routes, RouteStats{
			RouteID:        route.ID,
			Capability:     route.Capability,
			Healthy:        route.Healthy,
			Calls:          l.TotalCount,
			SuccessRate:    l.SuccessRate(),
			AvgLatencyMS:   l.AvgLatencyMS,
			AvgCost:        l.AvgCost,
			AvgReliability: l.AvgReliability,
			LastReward:     l.LastReward,
			Score:          route.Score,
			Weights:        route.Weights,
		})
		agg.Calls += l.TotalCount
		success += l.SuccessCount
		latency += l.AvgLatencyMS * float64(l.TotalCount)
		cost += l.AvgCost * float64(l.TotalCount)

		if route.Healthy {
			agg.HealthyRoutes++
			healthyPerCap[route.Capability]++
		} else {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("route %s is unhealthy; run a health pass or unbind it", route.ID))
		}
		switch {
		case l.TotalCount == 0:
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("route %s has never run; allow exploration or dry-run it", route.ID))
		case l.TotalCount >= o.cfg.MinCallsToJudge && l.SuccessRate() < o.cfg.LowSuccessRate:
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("route %s succeeds %.0f%% of the time; optimise for reliability", route.ID, l.SuccessRate()*100))
		}
	}
	if agg.Calls > 0 {
		agg.SuccessRate = float64(success) / float64(agg.Calls)
		agg.AvgLatencyMS = latency / float64(agg.Calls)
		agg.AvgCost = cost / float64(agg.Calls)
	}

	caps := sortedCapabilities(routes)
	agg.Capabilities = len(caps)
	for _, c := range caps {
		if healthyPerCap[c] < 2 {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("capability %s has %d healthy routes; bind an alternative", c, healthyPerCap[c]))
		}
	}
	return report, nil
}
