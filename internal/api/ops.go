package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"routeforge/internal/audit"
	"routeforge/internal/ledger"
	"routeforge/internal/optimize"
	"routeforge/internal/orchestrator"
	"routeforge/internal/planner"
	"routeforge/internal/registry"
	"routeforge/internal/router"
)

// Operation names.
const (
	OpSubmitGoal         = "submit_goal"
	OpPlanExpand         = "plan_expand"
	OpTotExplain         = "tot_explain"
	OpRouteInfer         = "route_infer"
	OpBindCapability     = "bind_capability"
	OpProfileTools       = "profile_tools"
	OpRunStep            = "run_step"
	OpAwaitTicket        = "await_ticket"
	OpDryRun             = "dry_run"
	OpCommitResult       = "commit_result"
	OpOptimizeRoutes     = "optimize_routes"
	OpTuneBandit         = "tune_bandit"
	OpAnalyzePerformance = "analyze_performance"
	OpAuditTrail         = "audit_trail"
	OpComplianceCheck    = "compliance_check"
	OpRiskAssessment     = "risk_assessment"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid("%s is required", name)
	}
	return nil
}

// SubmitGoal creates a plan and its initial steps.
func (s *Service) SubmitGoal(ctx context.Context, req planner.GoalRequest) Response[planner.SubmitResult] {
	if err := planner.ValidateGoal(req); err != nil {
		return respond(s, OpSubmitGoal, planner.SubmitResult{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err))
	}
	res, err := s.deps.Planner.SubmitGoal(ctx, req)
	return respond(s, OpSubmitGoal, res, err)
}

// PlanExpand runs the branch beam search.
func (s *Service) PlanExpand(ctx context.Context, req planner.ExpandRequest) Response[planner.ExpandResult] {
	if err := required("plan_id", req.PlanID); err != nil {
		return respond(s, OpPlanExpand, planner.ExpandResult{}, err)
	}
	if req.BeamSize < 0 || req.Horizon < 0 {
		return respond(s, OpPlanExpand, planner.ExpandResult{}, invalid("beam_size and horizon must not be negative"))
	}
	res, err := s.deps.Planner.Expand(ctx, req)
	return respond(s, OpPlanExpand, res, err)
}

// ExplainRequest names a branch to explain.
type ExplainRequest struct {
	BranchID string `json:"branch_id"`
	// Activate makes the branch the plan's active branch.
	Activate bool `json:"activate,omitempty"`
}

// TotExplain renders a branch score into bands and notes.
func (s *Service) TotExplain(ctx context.Context, req ExplainRequest) Response[planner.Explanation] {
	if err := required("branch_id", req.BranchID); err != nil {
		return respond(s, OpTotExplain, planner.Explanation{}, err)
	}
	if req.Activate {
		if _, err := s.deps.Planner.ActivateBranch(ctx, req.BranchID); err != nil {
			return respond(s, OpTotExplain, planner.Explanation{}, err)
		}
	}
	res, err := s.deps.Planner.Explain(ctx, req.BranchID)
	return respond(s, OpTotExplain, res, err)
}

// InferRequest asks which route would serve a capability. A Query is
// classified into a capability when Capability is empty.
type InferRequest struct {
	Capability string                  `json:"capability,omitempty"`
	Query      string                  `json:"query,omitempty"`
	Context    router.SelectionContext `json:"context,omitempty"`
	Explore    *float64                `json:"explore,omitempty"`
}

// InferResult is the router's choice.
type InferResult struct {
	Capability     string                   `json:"capability"`
	Classification *registry.Classification `json:"classification,omitempty"`
	Router         string                   `json:"router"`
	Selection      router.Selection         `json:"selection"`
}

// RouteInfer selects a route without executing it.
func (s *Service) RouteInfer(ctx context.Context, req InferRequest) Response[InferResult] {
	if strings.TrimSpace(req.Capability) == "" && strings.TrimSpace(req.Query) == "" {
		return respond(s, OpRouteInfer, InferResult{}, invalid("capability or query is required"))
	}
	if req.Explore != nil && (*req.Explore < 0 || *req.Explore > 1) {
		return respond(s, OpRouteInfer, InferResult{}, invalid("explore %.2f must be within [0,1]", *req.Explore))
	}
	res := InferResult{Capability: req.Capability, Router: s.deps.Router.Name()}
	if res.Capability == "" {
		cls, err := s.deps.Registry.Classifier().Classify(ctx, req.Query)
		if err != nil {
			return respond(s, OpRouteInfer, InferResult{}, fmt.Errorf("classify query: %w", err))
		}
		res.Capability, res.Classification = cls.Capability, &cls
	}
	candidates, err := s.deps.Registry.Candidates(ctx, res.Capability)
	if err != nil {
		return respond(s, OpRouteInfer, InferResult{}, err)
	}
	sel, err := s.deps.Router.Choose(ctx, router.Request{
		Capability: res.Capability,
		Candidates: candidates,
		Context:    req.Context,
		Explore:    req.Explore,
	})
	res.Selection = sel
	return respond(s, OpRouteInfer, res, err)
}

// BindCapability binds a backend tool to a capability.
func (s *Service) BindCapability(ctx context.Context, req registry.BindRequest) Response[ledger.Route] {
	if err := req.Validate(); err != nil {
		return respond(s, OpBindCapability, ledger.Route{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err))
	}
	route, err := s.deps.Registry.BindCapability(ctx, req)
	return respond(s, OpBindCapability, route, err)
}

// ProfileRequest lists tools to profile, inline or as a catalog path.
type ProfileRequest struct {
	Tools   []registry.ToolSpec `json:"tools,omitempty"`
	Catalog string              `json:"catalog,omitempty"`
	Bind    bool                `json:"bind,omitempty"`
}

// ProfileTools classifies and optionally binds tools.
func (s *Service) ProfileTools(ctx context.Context, req ProfileRequest) Response[registry.ProfileReport] {
	tools := req.Tools
	if len(tools) == 0 {
		path := req.Catalog
		if path == "" {
			path = s.deps.CatalogPath
		}
		if path == "" {
			return respond(s, OpProfileTools, registry.ProfileReport{}, invalid("tools or catalog is required"))
		}
		catalog, err := registry.LoadCatalog(path)
		if err != nil {
			return respond(s, OpProfileTools, registry.ProfileReport{}, err)
		}
		tools = catalog.Tools
	}
	for i, t := range tools {
		if strings.TrimSpace(t.BackendID) == "" || strings.TrimSpace(t.ToolName) == "" {
			return respond(s, OpProfileTools, registry.ProfileReport{}, invalid("tools[%d]: backend_id and tool_name are required", i))
		}
	}
	report, err := s.deps.Registry.ProfileTools(ctx, tools, req.Bind)
	return respond(s, OpProfileTools, report, err)
}

// RunStep executes one step.
func (s *Service) RunStep(ctx context.Context, req orchestrator.RunRequest) Response[orchestrator.RunResult] {
	if err := required("step_id", req.StepID); err != nil {
		return respond(s, OpRunStep, orchestrator.RunResult{}, err)
	}
	res, err := s.deps.Orchestrator.RunStep(ctx, req)
	return respond(s, OpRunStep, res, err)
}

// AwaitRequest bounds a ticket wait. Zero values use the configured defaults.
type AwaitRequest struct {
	TicketID       string `json:"ticket_id"`
	TimeoutMS      int64  `json:"timeout_ms,omitempty"`
	PollIntervalMS int64  `json:"poll_interval_ms,omitempty"`
}

// AwaitTicket waits for a ticket to reach a terminal status.
func (s *Service) AwaitTicket(ctx context.Context, req AwaitRequest) Response[ledger.Ticket] {
	if err := required("ticket_id", req.TicketID); err != nil {
		return respond(s, OpAwaitTicket, ledger.Ticket{}, err)
	}
	if req.TimeoutMS < 0 || req.PollIntervalMS < 0 {
		return respond(s, OpAwaitTicket, ledger.Ticket{}, invalid("timeout_ms and poll_interval_ms must not be negative"))
	}
	ticket, err := s.deps.Orchestrator.AwaitTicket(ctx, req.TicketID,
		time.Duration(req.TimeoutMS)*time.Millisecond,
		time.Duration(req.PollIntervalMS)*time.Millisecond)
	return respond(s, OpAwaitTicket, ticket, err)
}

// PlanRequest names a plan. Where allowed, an empty id means every plan.
type PlanRequest struct {
	PlanID string `json:"plan_id,omitempty"`
}

// DryRun estimates a plan without executing it.
func (s *Service) DryRun(ctx context.Context, req PlanRequest) Response[orchestrator.DryRunReport] {
	if err := required("plan_id", req.PlanID); err != nil {
		return respond(s, OpDryRun, orchestrator.DryRunReport{}, err)
	}
	report, err := s.deps.Orchestrator.DryRun(ctx, req.PlanID)
	return respond(s, OpDryRun, report, err)
}

// CommitResult attests a completed ticket.
func (s *Service) CommitResult(ctx context.Context, req orchestrator.CommitRequest) Response[orchestrator.CommitResult] {
	if err := required("ticket_id", req.TicketID); err != nil {
		return respond(s, OpCommitResult, orchestrator.CommitResult{}, err)
	}
	res, err := s.deps.Orchestrator.CommitResult(ctx, req)
	return respond(s, OpCommitResult, res, err)
}

// OptimizeRoutes nudges route weights toward a target profile.
func (s *Service) OptimizeRoutes(ctx context.Context, req optimize.RoutesRequest) Response[optimize.RoutesResult] {
	if req.LearningRate < 0 || req.LearningRate > 1 {
		return respond(s, OpOptimizeRoutes, optimize.RoutesResult{}, invalid("learning_rate %.2f must be within (0,1]", req.LearningRate))
	}
	res, err := s.deps.Optimizer.OptimizeRoutes(ctx, req)
	return respond(s, OpOptimizeRoutes, res, err)
}

// TuneBandit adjusts the router's exploration rate.
func (s *Service) TuneBandit(ctx context.Context, req optimize.BanditRequest) Response[optimize.BanditResult] {
	if r := req.ExplorationRate; r != nil && (*r < 0 || *r > 1) {
		return respond(s, OpTuneBandit, optimize.BanditResult{}, invalid("exploration_rate %.2f must be within [0,1]", *r))
	}
	res, err := s.deps.Optimizer.TuneBandit(ctx, req)
	return respond(s, OpTuneBandit, res, err)
}

// AnalyzePerformance reports route statistics.
func (s *Service) AnalyzePerformance(ctx context.Context, req optimize.AnalyzeRequest) Response[optimize.PerformanceReport] {
	res, err := s.deps.Optimizer.AnalyzePerformance(ctx, req)
	return respond(s, OpAnalyzePerformance, res, err)
}

// AuditTrail returns the event trail of a plan or the whole ledger.
func (s *Service) AuditTrail(ctx context.Context, req audit.TrailRequest) Response[audit.Trail] {
	switch req.Format {
	case "", audit.FormatRaw, audit.FormatSummary, audit.FormatDetailed:
	default:
		return respond(s, OpAuditTrail, audit.Trail{}, invalid("format %q must be raw, summary or detailed", req.Format))
	}
	if req.Limit < 0 {
		return respond(s, OpAuditTrail, audit.Trail{}, invalid("limit must not be negative"))
	}
	res, err := s.deps.Auditor.Trail(ctx, req)
	return respond(s, OpAuditTrail, res, err)
}

// ComplianceCheck scores a plan, or the whole ledger, against the checks.
func (s *Service) ComplianceCheck(ctx context.Context, req PlanRequest) Response[audit.ComplianceReport] {
	res, err := s.deps.Auditor.Compliance(ctx, req.PlanID)
	return respond(s, OpComplianceCheck, res, err)
}

// RiskAssessment lists the risks of a plan or the whole ledger.
func (s *Service) RiskAssessment(ctx context.Context, req PlanRequest) Response[audit.RiskReport] {
	res, err := s.deps.Auditor.Risk(ctx, req.PlanID)
	return respond(s, OpRiskAssessment, res, err)
}
