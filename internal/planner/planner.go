// Package planner decomposes goals into capability-typed steps and searches
// for better-scoring alternative branches of a plan.
package planner

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"routeforge/internal/evidence"
	"routeforge/internal/ledger"
	"routeforge/internal/router"
)

// Store is the ledger surface the planner needs.
type Store interface {
	CreatePlan(ctx context.Context, plan ledger.Plan) (ledger.Plan, error)
	GetPlan(ctx context.Context, id string) (ledger.Plan, error)
	InsertSteps(ctx context.Context, steps []ledger.Step) error
	ListSteps(ctx context.Context, planID, branchID string) ([]ledger.Step, error)
	InsertBranch(ctx context.Context, branch ledger.Branch) (ledger.Branch, error)
	GetBranch(ctx context.Context, id string) (ledger.Branch, error)
	ListBranches(ctx context.Context, planID string) ([]ledger.Branch, error)
	SetActiveBranch(ctx context.Context, planID, branchID string) error
	AppendEvent(ctx context.Context, source, kind string, payload any) error
}

// RouteLookup reports the routes available for a capability.
type RouteLookup interface {
	Candidates(ctx context.Context, capability string) ([]router.Candidate, error)
}

// Planner owns goal submission, branch expansion and branch explanation.
type Planner struct {
	store      Store
	decomposer Decomposer
	routes     RouteLookup
	evidence   evidence.Provider
	cfg        Config
	logger     *zap.Logger
	newID      func() string
}

// Option customises a Planner.
type Option func(*Planner)

// WithEvidence seeds plan context from an evidence provider at submission.
func WithEvidence(p evidence.Provider) Option {
	return func(pl *Planner) { pl.evidence = p }
}

// WithDecomposer replaces the default HTN decomposer.
func WithDecomposer(d Decomposer) Option {
	return func(pl *Planner) { pl.decomposer = d }
}

// New creates a planner. routes may be nil, in which case every capability is
// treated as unrouted when scoring.
func New(store Store, routes RouteLookup, cfg Config, logger *zap.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.BeamSize < 1 {
		cfg.BeamSize = defaults.BeamSize
	}
	if cfg.Horizon < 1 {
		cfg.Horizon = defaults.Horizon
	}
	if cfg.Weights == (ScoringWeights{}) {
		cfg.Weights = defaults.Weights
	}
	if cfg.TooManySteps <= 0 {
		cfg.TooManySteps = defaults.TooManySteps
	}
	if cfg.TooFewSteps <= 0 {
		cfg.TooFewSteps = defaults.TooFewSteps
	}
	if cfg.DefaultStepCost <= 0 {
		cfg.DefaultStepCost = defaults.DefaultStepCost
	}
	if cfg.ReferenceCost <= 0 {
		cfg.ReferenceCost = defaults.ReferenceCost
	}
	if cfg.EvidenceLimit <= 0 {
		cfg.EvidenceLimit = defaults.EvidenceLimit
	}
	p := &Planner{
		store:  store,
		routes: routes,
		cfg:    cfg,
		logger: logger,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.decomposer == nil {
		p.decomposer = NewHTNDecomposer(nil, nil)
	}
	return p
}

// SubmitGoal creates a plan and its root steps.
func (p *Planner) SubmitGoal(ctx context.Context, req GoalRequest) (SubmitResult, error) {
	if err := ValidateGoal(req); err != nil {
		return SubmitResult{}, err
	}
	decomp, err := p.decomposer.Decompose(ctx, req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("decompose goal: %w", err)
	}
	if err := ValidateDrafts(decomp.Steps); err != nil {
		return SubmitResult{}, err
	}

	plan := ledger.Plan{
		ID:          p.newID(),
		Goal:        req.Goal,
		Context:     ledger.PlanContext{Attributes: req.Context},
		Constraints: req.Constraints,
		Budget:      req.Budget,
		Owner:       req.Owner,
		Status:      ledger.PlanActive,
	}
	plan.Context.Evidence = p.gatherEvidence(ctx, req.Goal)

	plan, err = p.store.CreatePlan(ctx, plan)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create plan: %w", err)
	}
	steps := p.materialize(plan.ID, decomp.Steps)
	if err := p.store.InsertSteps(ctx, steps); err != nil {
		return SubmitResult{}, fmt.Errorf("persist steps: %w", err)
	}

	if err := p.store.AppendEvent(ctx, "planner", "plan_submitted", map[string]any{
		"plan_id":    plan.ID,
		"goal":       plan.Goal,
		"method":     decomp.Method,
		"step_count": len(steps),
		"evidence":   len(plan.Context.Evidence),
	}); err != nil {
		p.logger.Warn("record plan_submitted event failed", zap.String("plan_id", plan.ID), zap.Error(err))
	}
	p.logger.Info("plan submitted",
		zap.String("plan_id", plan.ID),
		zap.String("method", decomp.Method),
		zap.Int("steps", len(steps)),
	)
	return SubmitResult{Plan: plan, Method: decomp.Method, Steps: steps}, nil
}

func (p *Planner) gatherEvidence(ctx context.Context, goal string) []ledger.EvidenceRef {
	if p.evidence == nil {
		return nil
	}
	snippets, err := p.evidence.Retrieve(ctx, goal, p.cfg.EvidenceLimit)
	if err != nil {
		p.logger.Warn("evidence retrieval failed", zap.Error(err))
		return nil
	}
	refs := make([]ledger.EvidenceRef, 0, len(snippets))
	for _, s := range snippets {
		refs = append(refs, ledger.EvidenceRef{Citation: s.Citation, Snippet: s.Text, Reliability: s.Reliability})
	}
	return refs
}

// materialize assigns fresh ids to drafts and resolves key dependencies to ids.
func (p *Planner) materialize(planID string, drafts []StepDraft) []ledger.Step {
	ids := make(map[string]string, len(drafts))
	for _, d := range drafts {
		ids[d.Key] = p.newID()
	}
	steps := make([]ledger.Step, 0, len(drafts))
	for i, d := range drafts {
		deps := make([]string, 0, len(d.DependsOn))
		for _, dep := range d.DependsOn {
			deps = append(deps, ids[dep])
		}
		steps = append(steps, ledger.Step{
			ID:            ids[d.Key],
			PlanID:        planID,
			Capability:    d.Capability,
			Description:   d.Description,
			Inputs:        d.Inputs,
			Acceptance:    d.Acceptance,
			Critical:      d.Critical,
			Dependencies:  deps,
			ParallelGroup: d.ParallelGroup,
			Status:        ledger.StepTodo,
			OrderIndex:    i,
		})
	}
	return steps
}

// ActivateBranch makes branchID the active branch of its plan.
func (p *Planner) ActivateBranch(ctx context.Context, branchID string) (ledger.Branch, error) {
	branch, err := p.store.GetBranch(ctx, branchID)
	if err != nil {
		return ledger.Branch{}, err
	}
	if err := p.store.SetActiveBranch(ctx, branch.PlanID, branch.ID); err != nil {
		return ledger.Branch{}, err
	}
	branch.Active = true
	if err := p.store.AppendEvent(ctx, "planner", "branch_activated", map[string]any{
		"plan_id":   branch.PlanID,
		"branch_id": branch.ID,
	}); err != nil {
		p.logger.Warn("record branch_activated event failed", zap.String("branch_id", branch.ID), zap.Error(err))
	}
	return branch, nil
}

func draftsFromSteps(steps []ledger.Step) []StepDraft {
	drafts := make([]StepDraft, 0, len(steps))
	for _, s := range steps {
		drafts = append(drafts, StepDraft{
			Key:           s.ID,
			Capability:    s.Capability,
			Description:   s.Description,
			Inputs:        s.Inputs,
			Acceptance:    s.Acceptance,
			Critical:      s.Critical,
			DependsOn:     append([]string(nil), s.Dependencies...),
			ParallelGroup: s.ParallelGroup,
		})
	}
	return drafts
}
