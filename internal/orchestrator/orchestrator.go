// Package orchestrator executes plan steps on routed backends, estimates plans
// before execution and commits attested results.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"routeforge/internal/adapters"
	"routeforge/internal/debate"
	"routeforge/internal/evidence"
	"routeforge/internal/ledger"
	"routeforge/internal/router"
)

// ErrTimedOut is returned when AwaitTicket's deadline passes before the ticket
// reaches a terminal status.
var ErrTimedOut = errors.New("timed out")

// Store is the ledger surface the orchestrator needs.
type Store interface {
	GetPlan(ctx context.Context, id string) (ledger.Plan, error)
	SetPlanStatus(ctx context.Context, id string, status ledger.PlanStatus) error
	GetStep(ctx context.Context, id string) (ledger.Step, error)
	ListSteps(ctx context.Context, planID, branchID string) ([]ledger.Step, error)
	ActiveBranch(ctx context.Context, planID string) (ledger.Branch, bool, error)
	PendingDependencies(ctx context.Context, stepID string) ([]string, error)
	TransitionStep(ctx context.Context, stepID string, to ledger.StepStatus) (ledger.Step, error)
	CreateTicket(ctx context.Context, ticket ledger.Ticket) (ledger.Ticket, error)
	CompleteTicket(ctx context.Context, id string, outcome ledger.TicketOutcome) (ledger.Ticket, error)
	GetTicket(ctx context.Context, id string) (ledger.Ticket, error)
	AddAttestation(ctx context.Context, att ledger.Attestation) (ledger.Attestation, error)
	AppendEvent(ctx context.Context, source, kind string, payload any) error
}

// RouteSource lists candidate routes of a capability.
type RouteSource interface {
	Candidates(ctx context.Context, capability string) ([]router.Candidate, error)
}

// BackendResolver finds the backend behind a route.
type BackendResolver interface {
	Resolve(backendID string) (adapters.Backend, error)
}

// AdjudicationRequest poses two competing routes to an external adjudicator.
type AdjudicationRequest struct {
	Task       string              `json:"task"`
	Rubric     []string            `json:"rubric"`
	Candidates [2]debate.Candidate `json:"candidates"`
}

// Adjudication is an external adjudicator's verdict.
type Adjudication struct {
	WinnerID      string   `json:"winner_id"`
	Confidence    float64  `json:"confidence"`
	EvidenceCount int      `json:"evidence_count"`
	Rationale     []string `json:"rationale,omitempty"`
}

// Adjudicator is an optional external high-assurance judge.
type Adjudicator interface {
	Adjudicate(ctx context.Context, req AdjudicationRequest) (Adjudication, error)
}

// StepSignal announces a finished step execution.
type StepSignal struct {
	PlanID       string               `json:"plan_id"`
	StepID       string               `json:"step_id"`
	TicketID     string               `json:"ticket_id"`
	Capability   string               `json:"capability"`
	Description  string               `json:"description,omitempty"`
	RouteID      string               `json:"route_id"`
	Path         ledger.ExecutionPath `json:"path"`
	StepStatus   ledger.StepStatus    `json:"step_status"`
	TicketStatus ledger.TicketStatus  `json:"ticket_status"`
	LatencyMS    float64              `json:"latency_ms"`
	Cost         float64              `json:"cost"`
	Error        string               `json:"error,omitempty"`
	At           time.Time            `json:"at"`
}

// StepObserver receives step signals. Observers must not block for long.
type StepObserver interface {
	StepFinished(ctx context.Context, sig StepSignal)
}

// Config holds execution and estimation defaults.
type Config struct {
	// StepTimeout bounds a backend call when the route policy sets none.
	StepTimeout time.Duration `koanf:"step_timeout"`

	DefaultLatencyMS float64 `koanf:"default_latency_ms"`
	DefaultCost      float64 `koanf:"default_cost"`
	ExpensiveCost    float64 `koanf:"expensive_cost"`
	SlowLatencyMS    float64 `koanf:"slow_latency_ms"`

	AwaitTimeout time.Duration `koanf:"await_timeout"`
	AwaitPoll    time.Duration `koanf:"await_poll"`
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		StepTimeout:      5 * time.Minute,
		DefaultLatencyMS: 5000,
		DefaultCost:      1.0,
		ExpensiveCost:    10,
		SlowLatencyMS:    30000,
		AwaitTimeout:     30 * time.Second,
		AwaitPoll:        250 * time.Millisecond,
	}
}

// Orchestrator runs steps.
type Orchestrator struct {
	store       Store
	routes      RouteSource
	router      router.Router
	backends    BackendResolver
	judge       *debate.Judge
	adjudicator Adjudicator
	evidence    evidence.Provider
	observers   []StepObserver
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithJudge enables the internal debate judge for high-assurance steps.
func WithJudge(j *debate.Judge) Option {
	return func(o *Orchestrator) { o.judge = j }
}

// WithAdjudicator sets the preferred external high-assurance adjudicator.
func WithAdjudicator(a Adjudicator) Option {
	return func(o *Orchestrator) { o.adjudicator = a }
}

// WithEvidence supplies debate evidence.
func WithEvidence(p evidence.Provider) Option {
	return func(o *Orchestrator) { o.evidence = p }
}

// WithObservers registers step observers.
func WithObservers(obs ...StepObserver) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs...) }
}

// WithClock overrides the clock used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(store Store, routes RouteSource, r router.Router, backends BackendResolver, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.DefaultLatencyMS <= 0 {
		cfg.DefaultLatencyMS = def.DefaultLatencyMS
	}
	if cfg.DefaultCost <= 0 {
		cfg.DefaultCost = def.DefaultCost
	}
	if cfg.ExpensiveCost <= 0 {
		cfg.ExpensiveCost = def.ExpensiveCost
	}
	if cfg.SlowLatencyMS <= 0 {
		cfg.SlowLatencyMS = def.SlowLatencyMS
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = def.AwaitTimeout
	}
	if cfg.AwaitPoll <= 0 {
		cfg.AwaitPoll = def.AwaitPoll
	}
	o := &Orchestrator{
		store:    store,
		routes:   routes,
		router:   r,
		backends: backends,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) event(ctx context.Context, kind string, payload map[string]any) {
	if err := o.store.AppendEvent(ctx, "orchestrator", kind, payload); err != nil {
		o.ledgerFailure("append "+kind+" event", err)
	}
}
