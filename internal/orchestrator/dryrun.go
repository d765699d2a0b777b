package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"routeforge/internal/ledger"
	"routeforge/internal/router"
)

// StepEstimate is the projected cost and latency of one step.
type StepEstimate struct {
	StepID        string  `json:"step_id"`
	Capability    string  `json:"capability"`
	Critical      bool    `json:"critical"`
	ParallelGroup string  `json:"parallel_group,omitempty"`
	RouteID       string  `json:"route_id,omitempty"`
	LatencyMS     float64 `json:"latency_ms"`
	Cost          float64 `json:"cost"`
	// FromHistory is false when defaults were used.
	FromHistory bool `json:"from_history"`
}

// Recommendation is one dry-run finding.
type Recommendation struct {
	Kind    string `json:"kind"`
	StepID  string `json:"step_id,omitempty"`
	Message string `json:"message"`
}

// DryRunReport estimates a plan without executing it.
type DryRunReport struct {
	PlanID              string           `json:"plan_id"`
	BranchID            string           `json:"branch_id,omitempty"`
	Steps               []StepEstimate   `json:"steps"`
	EstimatedDurationMS float64          `json:"estimated_duration_ms"`
	EstimatedCost       float64          `json:"estimated_cost"`
	WithinBudget        bool             `json:"within_budget"`
	Recommendations     []Recommendation `json:"recommendations"`
}

// DryRun estimates duration and cost for the plan's active branch, or its
// root steps when no branch is active. Serial steps add up; each parallel
// group contributes its slowest member.
func (o *Orchestrator) DryRun(ctx context.Context, planID string) (DryRunReport, error) {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return DryRunReport{}, err
	}
	report := DryRunReport{PlanID: plan.ID, WithinBudget: true, Recommendations: []Recommendation{}}

	branchID := ""
	if branch, ok, err := o.store.ActiveBranch(ctx, plan.ID); err != nil {
		return DryRunReport{}, err
	} else if ok {
		branchID = branch.ID
	}
	report.BranchID = branchID

	steps, err := o.store.ListSteps(ctx, plan.ID, branchID)
	if err != nil {
		return DryRunReport{}, err
	}

	groupMax := map[string]float64{}
	var groups []string
	for _, step := range steps {
		est, gap, err := o.estimate(ctx, step)
		if err != nil {
			return DryRunReport{}, err
		}
		report.Steps = append(report.Steps, est)
		report.EstimatedCost += est.Cost

		if step.ParallelGroup == "" {
			report.EstimatedDurationMS += est.LatencyMS
		} else {
			if _, seen := groupMax[step.ParallelGroup]; !seen {
				groups = append(groups, step.ParallelGroup)
			}
			groupMax[step.ParallelGroup] = max(groupMax[step.ParallelGroup], est.LatencyMS)
		}

		switch gap {
		case gapMissingRoute:
			report.Recommendations = append(report.Recommendations, Recommendation{
				Kind:    gapMissingRoute,
				StepID:  step.ID,
				Message: fmt.Sprintf("no route is bound for capability %q", step.Capability),
			})
		case gapNoHealthyRoute:
			report.Recommendations = append(report.Recommendations, Recommendation{
				Kind:    gapNoHealthyRoute,
				StepID:  step.ID,
				Message: fmt.Sprintf("no route for capability %q is healthy, run a health pass or bind an alternative", step.Capability),
			})
		}
		if est.Cost > o.cfg.ExpensiveCost {
			report.Recommendations = append(report.Recommendations, Recommendation{
				Kind:    "expensive_step",
				StepID:  step.ID,
				Message: fmt.Sprintf("%s is estimated at %.2f cost units, consider a cheaper route", step.Capability, est.Cost),
			})
		}
		if est.LatencyMS > o.cfg.SlowLatencyMS {
			report.Recommendations = append(report.Recommendations, Recommendation{
				Kind:    "slow_step",
				StepID:  step.ID,
				Message: fmt.Sprintf("%s is estimated at %.0fms, consider a faster route", step.Capability, est.LatencyMS),
			})
		}
	}
	sort.Strings(groups)
	for _, g := range groups {
		report.EstimatedDurationMS += groupMax[g]
	}

	for _, id := range parallelizableCritical(steps) {
		report.Recommendations = append(report.Recommendations, Recommendation{
			Kind:    "parallelize_critical",
			StepID:  id,
			Message: "critical step runs serially but is independent of other steps and could join a parallel group",
		})
	}

	if plan.Budget.MaxCost > 0 && report.EstimatedCost > plan.Budget.MaxCost {
		report.WithinBudget = false
		report.Recommendations = append(report.Recommendations, Recommendation{
			Kind:    "over_budget",
			Message: fmt.Sprintf("estimated cost %.2f exceeds budget %.2f", report.EstimatedCost, plan.Budget.MaxCost),
		})
	}
	if plan.Budget.MaxLatencyMS > 0 && report.EstimatedDurationMS > plan.Budget.MaxLatencyMS {
		report.WithinBudget = false
		report.Recommendations = append(report.Recommendations, Recommendation{
			Kind:    "over_budget",
			Message: fmt.Sprintf("estimated duration %.0fms exceeds budget %.0fms", report.EstimatedDurationMS, plan.Budget.MaxLatencyMS),
		})
	}
	return report, nil
}

// Route gaps reported by estimate.
const (
	gapMissingRoute   = "missing_route"
	gapNoHealthyRoute = "no_healthy_route"
)

// estimate uses the best-ranked healthy route's history. The second return
// names the route gap when defaults had to be used for lack of a route.
func (o *Orchestrator) estimate(ctx context.Context, step ledger.Step) (StepEstimate, string, error) {
	est := StepEstimate{
		StepID:        step.ID,
		Capability:    step.Capability,
		Critical:      step.Critical,
		ParallelGroup: step.ParallelGroup,
		LatencyMS:     o.cfg.DefaultLatencyMS,
		Cost:          o.cfg.DefaultCost,
	}
	candidates, err := o.routes.Candidates(ctx, step.Capability)
	if err != nil {
		return StepEstimate{}, "", err
	}
	if len(candidates) == 0 {
		return est, gapMissingRoute, nil
	}
	ranked := o.router.Rank(router.Request{Capability: step.Capability, Candidates: candidates})
	for _, s := range ranked {
		if !s.Healthy {
			continue
		}
		c := s.Candidate()
		est.RouteID = c.Route.ID
		if c.Learning.TotalCount > 0 {
			est.LatencyMS, est.Cost, est.FromHistory = c.Learning.AvgLatencyMS, c.Learning.AvgCost, true
		}
		return est, "", nil
	}
	return est, gapNoHealthyRoute, nil
}

// parallelizableCritical returns critical steps outside any parallel group
// that share no dependency path with at least one other step.
func parallelizableCritical(steps []ledger.Step) []string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.Dependencies
	}
	ancestors := make(map[string]map[string]bool, len(steps))
	var walk func(id string) map[string]bool
	walk = func(id string) map[string]bool {
		if a, ok := ancestors[id]; ok {
			return a
		}
		a := map[string]bool{}
		ancestors[id] = a
		for _, d := range deps[id] {
			a[d] = true
			for up := range walk(d) {
				a[up] = true
			}
		}
		return a
	}

	var out []string
	for _, s := range steps {
		if !s.Critical || s.ParallelGroup != "" {
			continue
		}
		for _, other := range steps {
			if other.ID == s.ID {
				continue
			}
			if !walk(s.ID)[other.ID] && !walk(other.ID)[s.ID] {
				out = append(out, s.ID)
				break
			}
		}
	}
	return out
}
