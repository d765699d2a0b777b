package ledger

import (
	"encoding/json"
	"time"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanActive   PlanStatus = "active"
	PlanArchived PlanStatus = "archived"
)

// StepStatus is the execution state of a step.
type StepStatus string

const (
	StepTodo    StepStatus = "todo"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

var allowedStepTransitions = map[StepStatus]map[StepStatus]struct{}{
	StepTodo: {
		StepRunning: {},
		StepFailed:  {},
	},
	StepRunning: {
		StepDone:   {},
		StepFailed: {},
	},
	StepFailed: {
		StepRunning: {},
	},
	StepDone: {},
}

// CanTransition reports whether a step may move from one status to another.
func CanTransition(from, to StepStatus) bool {
	next, ok := allowedStepTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TicketStatus is the state of one execution attempt.
type TicketStatus string

const (
	TicketRunning   TicketStatus = "running"
	TicketCompleted TicketStatus = "completed"
	TicketFailed    TicketStatus = "failed"
)

// Terminal reports whether the ticket can no longer change.
func (s TicketStatus) Terminal() bool {
	return s == TicketCompleted || s == TicketFailed
}

// ExecutionPath records how a route was chosen for a ticket.
type ExecutionPath string

const (
	PathStandard      ExecutionPath = "standard"
	PathHighAssurance ExecutionPath = "high_assurance"
)

// Budget bounds what a plan may spend.
type Budget struct {
	MaxCost      float64 `json:"max_cost,omitempty"`
	MaxLatencyMS float64 `json:"max_latency_ms,omitempty"`
}

// PlanContext carries free-form goal context plus evidence gathered at submission.
type PlanContext struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Evidence   []EvidenceRef     `json:"evidence,omitempty"`
}

// EvidenceRef is a snippet captured from an evidence provider.
type EvidenceRef struct {
	Citation    string  `json:"citation"`
	Snippet     string  `json:"snippet"`
	Reliability float64 `json:"reliability"`
}

// Plan is a submitted goal and its planning envelope.
type Plan struct {
	ID          string      `json:"id"`
	Goal        string      `json:"goal"`
	Context     PlanContext `json:"context"`
	Constraints []string    `json:"constraints,omitempty"`
	Budget      Budget      `json:"budget"`
	Owner       string      `json:"owner,omitempty"`
	Status      PlanStatus  `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Acceptance is the contract a step's outputs must satisfy.
type Acceptance struct {
	RequiredOutputs []string `json:"required_outputs,omitempty"`
	MinQuality      float64  `json:"min_quality,omitempty"`
}

// Step is one capability-typed unit of work in a plan or branch.
type Step struct {
	ID            string            `json:"id"`
	PlanID        string            `json:"plan_id"`
	BranchID      string            `json:"branch_id,omitempty"`
	Capability    string            `json:"capability"`
	Description   string            `json:"description,omitempty"`
	Inputs        map[string]string `json:"inputs,omitempty"`
	Acceptance    Acceptance        `json:"acceptance"`
	Critical      bool              `json:"critical"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	ParallelGroup string            `json:"parallel_group,omitempty"`
	Status        StepStatus        `json:"status"`
	OrderIndex    int               `json:"order_index"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ScoreBreakdown holds the component scores behind a branch score.
type ScoreBreakdown struct {
	Feasibility    float64 `json:"feasibility"`
	CostEfficiency float64 `json:"cost_efficiency"`
	Risk           float64 `json:"risk"`
	Novelty        float64 `json:"novelty"`
	Completeness   float64 `json:"completeness"`
}

// Branch is one alternative step sequence under a plan.
type Branch struct {
	ID             string         `json:"id"`
	PlanID         string         `json:"plan_id"`
	ParentBranchID string         `json:"parent_branch_id,omitempty"`
	Score          float64        `json:"score"`
	Breakdown      ScoreBreakdown `json:"breakdown"`
	Rationale      []string       `json:"rationale"`
	Steps          []Step         `json:"steps"`
	Active         bool           `json:"active"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RoutePolicy holds execution policy for a route.
type RoutePolicy struct {
	Mode                string `json:"mode,omitempty"`
	MaxRetries          int    `json:"max_retries,omitempty"`
	TimeoutMS           int64  `json:"timeout_ms,omitempty"`
	RequiresAttestation bool   `json:"requires_attestation,omitempty"`
}

// Weights is the cost/latency/reliability preference triple of a route.
type Weights struct {
	Cost        float64 `json:"cost"`
	Latency     float64 `json:"latency"`
	Reliability float64 `json:"reliability"`
}

// BalancedWeights returns equal weights.
func BalancedWeights() Weights {
	return Weights{Cost: 1.0 / 3, Latency: 1.0 / 3, Reliability: 1.0 / 3}
}

// IsZero reports whether no weight has been set.
func (w Weights) IsZero() bool {
	return w.Cost == 0 && w.Latency == 0 && w.Reliability == 0
}

// Route binds a capability to a concrete backend tool.
type Route struct {
	ID         string      `json:"id"`
	Capability string      `json:"capability"`
	BackendID  string      `json:"backend_id"`
	ToolName   string      `json:"tool_name"`
	Score      float64     `json:"score"`
	Policy     RoutePolicy `json:"policy"`
	Healthy    bool        `json:"healthy"`
	Weights    Weights     `json:"weights"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Learning is the online performance record of a route.
type Learning struct {
	RouteID          string     `json:"route_id"`
	SuccessCount     int64      `json:"success_count"`
	TotalCount       int64      `json:"total_count"`
	AvgLatencyMS     float64    `json:"avg_latency_ms"`
	AvgCost          float64    `json:"avg_cost"`
	AvgReliability   float64    `json:"avg_reliability"`
	ConfidenceRadius float64    `json:"confidence_radius"`
	LastReward       float64    `json:"last_reward"`
	LastSuccessAt    *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt    *time.Time `json:"last_failure_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SuccessRate returns success_count/total_count, or 0 with no history.
func (l Learning) SuccessRate() float64 {
	if l.TotalCount == 0 {
		return 0
	}
	return float64(l.SuccessCount) / float64(l.TotalCount)
}

// Ticket records one execution attempt of a step on a route.
type Ticket struct {
	ID           string            `json:"id"`
	StepID       string            `json:"step_id"`
	PlanID       string            `json:"plan_id"`
	RouteID      string            `json:"route_id"`
	Capability   string            `json:"capability"`
	Path         ExecutionPath     `json:"path"`
	RouteHealthy bool              `json:"route_healthy"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Outputs      map[string]any    `json:"outputs,omitempty"`
	Status       TicketStatus      `json:"status"`
	LatencyMS    float64           `json:"latency_ms"`
	Cost         float64           `json:"cost"`
	Quality      float64           `json:"quality"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Attestation is a provenance record attached to a completed ticket.
type Attestation struct {
	ID            string    `json:"id"`
	TicketID      string    `json:"ticket_id"`
	PredicateType string    `json:"predicate_type"`
	Subject       string    `json:"subject"`
	PolicyURI     string    `json:"policy_uri,omitempty"`
	Attestor      string    `json:"attestor"`
	CreatedAt     time.Time `json:"created_at"`
}

// Event is one append-only audit record.
type Event struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Job represents a queued or running background job.
type Job struct {
	ID             string
	Type           string
	Status         string
	ScheduledAt    time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	PayloadJSON    string
	ResultJSON     string
	LeaseOwner     string
	LeaseExpiresAt *time.Time
}
