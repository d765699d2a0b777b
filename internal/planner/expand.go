package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
)

// operator rewrites a step list. ok is false when the operator does not apply.
type operator struct {
	name  string
	apply func(steps []StepDraft) (out []StepDraft, note string, ok bool)
}

func defaultOperators() []operator {
	return []operator{
		{name: "parallelize", apply: parallelize},
		{name: "verify_critical", apply: verifyCritical},
		{name: "guard_critical", apply: guardCritical},
		{name: "trim_docs", apply: trimDocs},
	}
}

type node struct {
	steps     []StepDraft
	ops       []string
	rationale []string
	score     float64
	breakdown ledger.ScoreBreakdown
}

func (n node) applied(op string) bool {
	for _, o := range n.ops {
		if o == op {
			return true
		}
	}
	return false
}

// signature identifies a node by the set of operators applied to it.
func (n node) signature() string {
	ops := append([]string(nil), n.ops...)
	sort.Strings(ops)
	return strings.Join(ops, "+")
}

// Expand runs a beam search over plan rewrites and persists the best
// branches. The best branch becomes the plan's active branch.
func (p *Planner) Expand(ctx context.Context, req ExpandRequest) (ExpandResult, error) {
	plan, err := p.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return ExpandResult{}, err
	}
	if plan.Status != ledger.PlanActive {
		return ExpandResult{}, fmt.Errorf("plan %s is %s: %w", plan.ID, plan.Status, ledger.ErrInvalidTransition)
	}
	horizon := req.Horizon
	if horizon < 1 {
		horizon = p.cfg.Horizon
	}
	beam := req.BeamSize
	if beam < 1 {
		beam = p.cfg.BeamSize
	}

	var base []ledger.Step
	if req.FromBranchID != "" {
		from, err := p.store.GetBranch(ctx, req.FromBranchID)
		if err != nil {
			return ExpandResult{}, err
		}
		if from.PlanID != plan.ID {
			return ExpandResult{}, fmt.Errorf("branch %s belongs to plan %s: %w", from.ID, from.PlanID, ledger.ErrNotFound)
		}
		base = from.Steps
	} else {
		base, err = p.store.ListSteps(ctx, plan.ID, "")
		if err != nil {
			return ExpandResult{}, err
		}
	}
	if len(base) == 0 {
		return ExpandResult{}, fmt.Errorf("plan %s has no steps to expand", plan.ID)
	}

	sc, err := p.newScorer(ctx, plan, draftsFromSteps(base))
	if err != nil {
		return ExpandResult{}, err
	}

	root := node{steps: draftsFromSteps(base), rationale: []string{"baseline decomposition"}}
	if req.FromBranchID != "" {
		root.rationale = []string{"baseline from branch " + req.FromBranchID}
	}
	root.breakdown, root.score = sc.score(root.steps)

	pool := []node{root}
	frontier := []node{root}
	seen := map[string]bool{root.signature(): true}
	explored := 1
	ops := defaultOperators()

	for depth := 1; depth <= horizon && len(frontier) > 0; depth++ {
		var next []node
		for _, n := range frontier {
			for _, op := range ops {
				if n.applied(op.name) {
					continue
				}
				steps, note, ok := op.apply(cloneDrafts(n.steps))
				if !ok {
					continue
				}
				child := node{
					steps:     steps,
					ops:       append(append([]string(nil), n.ops...), op.name),
					rationale: append(append([]string(nil), n.rationale...), note),
				}
				sig := child.signature()
				if seen[sig] {
					continue
				}
				seen[sig] = true
				child.breakdown, child.score = sc.score(child.steps)
				next = append(next, child)
				explored++
			}
		}
		sortNodes(next)
		if len(next) > beam {
			next = next[:beam]
		}
		pool = append(pool, next...)
		frontier = next
	}

	sortNodes(pool)
	if len(pool) > beam {
		pool = pool[:beam]
	}

	result := ExpandResult{PlanID: plan.ID, Explored: explored}
	for i, n := range pool {
		branch := ledger.Branch{
			ID:             p.newID(),
			PlanID:         plan.ID,
			ParentBranchID: req.FromBranchID,
			Score:          n.score,
			Breakdown:      n.breakdown,
			Rationale:      append(n.rationale, scoreNote(n.score, n.breakdown)),
			Steps:          p.materialize(plan.ID, n.steps),
			Active:         i == 0,
		}
		saved, err := p.store.InsertBranch(ctx, branch)
		if err != nil {
			return ExpandResult{}, fmt.Errorf("persist branch: %w", err)
		}
		result.Branches = append(result.Branches, saved)
	}
	result.ActiveBranchID = result.Branches[0].ID

	ids := make([]string, 0, len(result.Branches))
	for _, b := range result.Branches {
		ids = append(ids, b.ID)
	}
	if err := p.store.AppendEvent(ctx, "planner", "plan_expanded", map[string]any{
		"plan_id":        plan.ID,
		"branches":       ids,
		"active_branch":  result.ActiveBranchID,
		"best_score":     result.Branches[0].Score,
		"explored":       explored,
		"horizon":        horizon,
		"beam_size":      beam,
		"from_branch_id": req.FromBranchID,
	}); err != nil {
		p.logger.Warn("record plan_expanded event failed", zap.String("plan_id", plan.ID), zap.Error(err))
	}
	p.logger.Info("plan expanded",
		zap.String("plan_id", plan.ID),
		zap.Int("branches", len(result.Branches)),
		zap.Int("explored", explored),
		zap.Float64("best_score", result.Branches[0].Score),
	)
	return result, nil
}

func sortNodes(nodes []node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].score != nodes[j].score {
			return nodes[i].score > nodes[j].score
		}
		return nodes[i].signature() < nodes[j].signature()
	})
}

func scoreNote(score float64, b ledger.ScoreBreakdown) string {
	return fmt.Sprintf("score %.3f (feasibility %.2f, cost %.2f, risk %.2f, novelty %.2f, completeness %.2f)",
		score, b.Feasibility, b.CostEfficiency, b.Risk, b.Novelty, b.Completeness)
}

// parallelize tags every topological layer holding two or more steps with a
// shared parallel group.
func parallelize(steps []StepDraft) ([]StepDraft, string, bool) {
	groups := regroup(steps)
	if groups == 0 {
		return nil, "", false
	}
	return steps, fmt.Sprintf("parallelized independent steps into %d group(s)", groups), true
}

// regroup clears and reassigns parallel groups by layer and returns the group count.
func regroup(steps []StepDraft) int {
	index := make(map[string]int, len(steps))
	for i := range steps {
		steps[i].ParallelGroup = ""
		index[steps[i].Key] = i
	}
	groups := 0
	for layerNo, layer := range ExecutionLayers(steps) {
		if len(layer) < 2 {
			continue
		}
		groups++
		for _, key := range layer {
			steps[index[key]].ParallelGroup = fmt.Sprintf("g%d", layerNo+1)
		}
	}
	return groups
}

func grouped(steps []StepDraft) bool {
	for _, s := range steps {
		if s.ParallelGroup != "" {
			return true
		}
	}
	return false
}

// verifyCritical adds a run_tests step after every critical step lacking one.
func verifyCritical(steps []StepDraft) ([]StepDraft, string, bool) {
	var out []StepDraft
	added := 0
	for _, s := range steps {
		out = append(out, s)
		if !s.Critical || isVerified(steps, s.Key) {
			continue
		}
		out = append(out, StepDraft{
			Key:         s.Key + "-verify",
			Capability:  "run_tests",
			Description: "Verify: " + s.Description,
			DependsOn:   []string{s.Key},
		})
		added++
	}
	if added == 0 {
		return nil, "", false
	}
	if grouped(steps) {
		regroup(out)
	}
	return out, fmt.Sprintf("added verification after %d critical step(s)", added), true
}

// guardCritical inserts a backup step in front of every unguarded critical step.
func guardCritical(steps []StepDraft) ([]StepDraft, string, bool) {
	var out []StepDraft
	added := 0
	for _, s := range steps {
		if !s.Critical || isGuarded(steps, s) {
			out = append(out, s)
			continue
		}
		guard := StepDraft{
			Key:         s.Key + "-guard",
			Capability:  "backup",
			Description: "Snapshot state before: " + s.Description,
			DependsOn:   s.DependsOn,
		}
		s.DependsOn = []string{guard.Key}
		out = append(out, guard, s)
		added++
	}
	if added == 0 {
		return nil, "", false
	}
	if grouped(steps) {
		regroup(out)
	}
	return out, fmt.Sprintf("added rollback guard before %d critical step(s)", added), true
}

// trimDocs removes non-critical documentation steps; their dependents inherit
// the removed step's dependencies.
func trimDocs(steps []StepDraft) ([]StepDraft, string, bool) {
	removed := make(map[string][]string)
	for _, s := range steps {
		if s.Capability == "document" && !s.Critical {
			removed[s.Key] = s.DependsOn
		}
	}
	if len(removed) == 0 || len(removed) == len(steps) {
		return nil, "", false
	}

	var out []StepDraft
	for _, s := range steps {
		if _, gone := removed[s.Key]; gone {
			continue
		}
		s.DependsOn = rewire(s.DependsOn, removed)
		out = append(out, s)
	}
	if grouped(steps) {
		regroup(out)
	}
	return out, fmt.Sprintf("dropped %d non-critical documentation step(s)", len(removed)), true
}

func rewire(deps []string, removed map[string][]string) []string {
	var out []string
	seen := make(map[string]bool)
	var add func(key string)
	add = func(key string) {
		if inherited, gone := removed[key]; gone {
			for _, k := range inherited {
				add(k)
			}
			return
		}
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	for _, d := range deps {
		add(d)
	}
	return out
}

func isVerified(steps []StepDraft, key string) bool {
	for _, s := range steps {
		if s.Capability != "run_tests" {
			continue
		}
		for _, dep := range s.DependsOn {
			if dep == key {
				return true
			}
		}
	}
	return false
}

func isGuarded(steps []StepDraft, step StepDraft) bool {
	if step.Capability == "backup" {
		return true
	}
	for _, dep := range step.DependsOn {
		for _, s := range steps {
			if s.Key == dep && s.Capability == "backup" {
				return true
			}
		}
	}
	return false
}
