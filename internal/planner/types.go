package planner

import (
	"errors"

	"routeforge/internal/ledger"
)

var (
	// ErrEmptyGoal is returned when a goal has no text.
	ErrEmptyGoal = errors.New("goal is required")

	// ErrDependencyCycle is returned when step dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// GoalRequest is a goal submitted for planning.
type GoalRequest struct {
	Goal        string            `json:"goal"`
	Context     map[string]string `json:"context,omitempty"`
	Constraints []string          `json:"constraints,omitempty"`
	Budget      ledger.Budget     `json:"budget"`
	Owner       string            `json:"owner,omitempty"`
}

// StepDraft is a step before it is persisted. Dependencies refer to other
// drafts by Key.
type StepDraft struct {
	Key           string            `json:"key"`
	Capability    string            `json:"capability"`
	Description   string            `json:"description"`
	Inputs        map[string]string `json:"inputs,omitempty"`
	Acceptance    ledger.Acceptance `json:"acceptance"`
	Critical      bool              `json:"critical"`
	DependsOn     []string          `json:"depends_on,omitempty"`
	ParallelGroup string            `json:"parallel_group,omitempty"`
}

// Decomposition is a decomposer's answer for a goal.
type Decomposition struct {
	Method string      `json:"method"`
	Steps  []StepDraft `json:"steps"`
}

// SubmitResult is returned by SubmitGoal.
type SubmitResult struct {
	Plan   ledger.Plan   `json:"plan"`
	Method string        `json:"method"`
	Steps  []ledger.Step `json:"steps"`
}

// ScoringWeights weigh the branch score components.
type ScoringWeights struct {
	Feasibility    float64 `koanf:"feasibility" json:"feasibility"`
	CostEfficiency float64 `koanf:"cost_efficiency" json:"cost_efficiency"`
	Risk           float64 `koanf:"risk" json:"risk"`
	Novelty        float64 `koanf:"novelty" json:"novelty"`
	Completeness   float64 `koanf:"completeness" json:"completeness"`
}

// DefaultScoringWeights returns the stock component weights.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Feasibility:    0.3,
		CostEfficiency: 0.2,
		Risk:           0.2,
		Novelty:        0.1,
		Completeness:   0.2,
	}
}

// Config parameterises the planner.
type Config struct {
	BeamSize int            `koanf:"beam_size"`
	Horizon  int            `koanf:"horizon"`
	Weights  ScoringWeights `koanf:"weights"`
	// TooManySteps and TooFewSteps bound the structural notes of Explain.
	TooManySteps int `koanf:"too_many_steps"`
	TooFewSteps  int `koanf:"too_few_steps"`
	// DefaultStepCost is assumed for capabilities without cost history.
	DefaultStepCost float64 `koanf:"default_step_cost"`
	// ReferenceCost stands in for the plan budget when none is set.
	ReferenceCost float64 `koanf:"reference_cost"`
	EvidenceLimit int     `koanf:"evidence_limit"`
}

// DefaultConfig returns planner defaults.
func DefaultConfig() Config {
	return Config{
		BeamSize:        3,
		Horizon:         3,
		Weights:         DefaultScoringWeights(),
		TooManySteps:    10,
		TooFewSteps:     2,
		DefaultStepCost: 1.0,
		ReferenceCost:   10,
		EvidenceLimit:   3,
	}
}

// ExpandRequest asks for alternative branches of a plan.
type ExpandRequest struct {
	PlanID   string `json:"plan_id"`
	Horizon  int    `json:"horizon,omitempty"`
	BeamSize int    `json:"beam_size,omitempty"`
	// FromBranchID expands an existing branch instead of the plan's root steps.
	FromBranchID string `json:"from_branch_id,omitempty"`
}

// ExpandResult lists the branches persisted by Expand, best first.
type ExpandResult struct {
	PlanID         string          `json:"plan_id"`
	ActiveBranchID string          `json:"active_branch_id"`
	Explored       int             `json:"explored"`
	Branches       []ledger.Branch `json:"branches"`
}

// Explanation renders a branch score for humans.
type Explanation struct {
	BranchID       string                `json:"branch_id"`
	PlanID         string                `json:"plan_id"`
	Score          float64               `json:"score"`
	Band           string                `json:"band"`
	Summary        string                `json:"summary"`
	Breakdown      ledger.ScoreBreakdown `json:"breakdown"`
	Rationale      []string              `json:"rationale"`
	StepCount      int                   `json:"step_count"`
	CriticalSteps  int                   `json:"critical_steps"`
	ParallelGroups int                   `json:"parallel_groups"`
	Notes          []string              `json:"notes"`
	ComparedTo     string                `json:"compared_to,omitempty"`
	Diff           string                `json:"diff,omitempty"`
}
