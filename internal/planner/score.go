package planner

import (
	"context"
	"math"
	"sort"

	"routeforge/internal/ledger"
)

// capabilityStats summarises the routes of one capability.
type capabilityStats struct {
	healthy bool
	cost    float64
}

type scorer struct {
	weights     ScoringWeights
	stats       map[string]capabilityStats
	reference   float64
	defaultCost float64
	rootCaps    map[string]struct{}
	rootSig     map[string]struct{}
}

func (p *Planner) newScorer(ctx context.Context, plan ledger.Plan, root []StepDraft) (*scorer, error) {
	sc := &scorer{
		weights:     p.cfg.Weights,
		stats:       make(map[string]capabilityStats),
		reference:   p.cfg.ReferenceCost,
		defaultCost: p.cfg.DefaultStepCost,
		rootCaps:    make(map[string]struct{}),
		rootSig:     signatureSet(root),
	}
	if plan.Budget.MaxCost > 0 {
		sc.reference = plan.Budget.MaxCost
	}
	for _, s := range root {
		sc.rootCaps[s.Capability] = struct{}{}
	}
	// Operators only introduce run_tests and backup beyond the root capabilities.
	caps := []string{"run_tests", "backup"}
	for c := range sc.rootCaps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	for _, c := range caps {
		if _, ok := sc.stats[c]; ok {
			continue
		}
		st, err := p.capabilityStats(ctx, c)
		if err != nil {
			return nil, err
		}
		sc.stats[c] = st
	}
	return sc, nil
}

func (p *Planner) capabilityStats(ctx context.Context, capability string) (capabilityStats, error) {
	st := capabilityStats{cost: p.cfg.DefaultStepCost}
	if p.routes == nil {
		return st, nil
	}
	candidates, err := p.routes.Candidates(ctx, capability)
	if err != nil {
		return st, err
	}
	best := math.Inf(1)
	for _, c := range candidates {
		if !c.Route.Healthy {
			continue
		}
		st.healthy = true
		if c.Learning.TotalCount > 0 && c.Learning.AvgCost < best {
			best = c.Learning.AvgCost
		}
	}
	if !math.IsInf(best, 1) {
		st.cost = best
	}
	return st, nil
}

// score returns the component breakdown and weighted total of a step list.
// Risk is reported as mitigation: 1 means every critical step is guarded and verified.
func (sc *scorer) score(steps []StepDraft) (ledger.ScoreBreakdown, float64) {
	var b ledger.ScoreBreakdown
	if len(steps) == 0 {
		return b, 0
	}

	routed := 0
	cost := 0.0
	present := make(map[string]struct{})
	for _, s := range steps {
		st, ok := sc.stats[s.Capability]
		if !ok {
			st = capabilityStats{cost: sc.defaultCost}
		}
		if st.healthy {
			routed++
		}
		cost += st.cost
		present[s.Capability] = struct{}{}
	}
	b.Feasibility = float64(routed) / float64(len(steps))
	b.CostEfficiency = math.Max(0, 1-cost/(2*sc.reference))

	critical, mitigation, verified := 0, 0.0, 0
	for _, s := range steps {
		if !s.Critical {
			continue
		}
		critical++
		m := 0.5
		if isVerified(steps, s.Key) {
			m += 0.25
			verified++
		}
		if isGuarded(steps, s) {
			m += 0.25
		}
		mitigation += m
	}
	verifiedShare := 1.0
	if critical == 0 {
		b.Risk = 1
	} else {
		b.Risk = mitigation / float64(critical)
		verifiedShare = float64(verified) / float64(critical)
	}

	b.Novelty = 1 - jaccard(signatureSet(steps), sc.rootSig)

	coverage := 1.0
	if len(sc.rootCaps) > 0 {
		hit := 0
		for c := range sc.rootCaps {
			if _, ok := present[c]; ok {
				hit++
			}
		}
		coverage = float64(hit) / float64(len(sc.rootCaps))
	}
	b.Completeness = 0.8*coverage + 0.2*verifiedShare

	w := sc.weights
	sum := w.Feasibility + w.CostEfficiency + w.Risk + w.Novelty + w.Completeness
	if sum <= 0 {
		return b, 0
	}
	total := (w.Feasibility*b.Feasibility +
		w.CostEfficiency*b.CostEfficiency +
		w.Risk*b.Risk +
		w.Novelty*b.Novelty +
		w.Completeness*b.Completeness) / sum
	return b, math.Max(0, math.Min(1, total))
}

// signatureSet describes a step list by capabilities, capability edges and
// parallel membership, independent of step keys.
func signatureSet(steps []StepDraft) map[string]struct{} {
	capOf := make(map[string]string, len(steps))
	for _, s := range steps {
		capOf[s.Key] = s.Capability
	}
	set := make(map[string]struct{})
	for _, s := range steps {
		set["cap:"+s.Capability] = struct{}{}
		for _, dep := range s.DependsOn {
			set["edge:"+capOf[dep]+">"+s.Capability] = struct{}{}
		}
		if s.ParallelGroup != "" {
			set["par:"+s.Capability] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
