package api

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeforge/internal/adapters"
	"routeforge/internal/audit"
	"routeforge/internal/debate"
	"routeforge/internal/ledger"
	"routeforge/internal/optimize"
	"routeforge/internal/orchestrator"
	"routeforge/internal/planner"
	"routeforge/internal/registry"
	"routeforge/internal/router"
)

type fixture struct {
	store *ledger.Store
	reg   *registry.Registry
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rcfg := router.DefaultConfig()
	rcfg.ExplorationRate = 0
	rcfg.Seed = 3
	rt := router.NewBandit(rcfg, store, nil)
	reg := registry.New(store, nil, nil)
	orch := orchestrator.New(store, reg, rt, adapters.NewSet(adapters.NewMockBackend("mock")),
		orchestrator.DefaultConfig(), nil, orchestrator.WithJudge(debate.New(debate.DefaultConfig(), nil)))

	svc := New(Deps{
		Planner:      planner.New(store, reg, planner.DefaultConfig(), nil),
		Registry:     reg,
		Router:       rt,
		Orchestrator: orch,
		Auditor:      audit.New(store, audit.DefaultThresholds(), nil),
		Optimizer:    optimize.New(store, rt, rcfg.Policy, optimize.DefaultConfig(), nil),
	}, nil)
	return &fixture{store: store, reg: reg, svc: svc}
}

func (f *fixture) bind(t *testing.T, capability, tool string) ledger.Route {
	t.Helper()
	res := f.svc.BindCapability(context.Background(), registry.BindRequest{
		Capability: capability,
		BackendID:  "mock",
		ToolName:   tool,
		Confidence: 0.8,
		Weights:    ledger.BalancedWeights(),
	})
	require.True(t, res.OK, "%+v", res.Error)
	return res.Result
}

func (f *fixture) learn(t *testing.T, routeID string, l ledger.Learning) {
	t.Helper()
	_, err := f.store.UpdateLearning(context.Background(), routeID, "test", func(row *ledger.Learning) (any, error) {
		row.TotalCount, row.SuccessCount = l.TotalCount, l.SuccessCount
		row.AvgLatencyMS, row.AvgCost, row.AvgReliability = l.AvgLatencyMS, l.AvgCost, l.AvgReliability
		row.LastReward = l.LastReward
		return nil, nil
	})
	require.NoError(t, err)
}

func TestGoalToAttestedResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submitted := f.svc.SubmitGoal(ctx, planner.GoalRequest{Goal: "provision database", Budget: ledger.Budget{MaxCost: 50}})
	require.True(t, submitted.OK, "%+v", submitted.Error)
	require.NotEmpty(t, submitted.Result.Steps)
	planID := submitted.Result.Plan.ID

	expanded := f.svc.PlanExpand(ctx, planner.ExpandRequest{PlanID: planID, BeamSize: 2})
	require.True(t, expanded.OK, "%+v", expanded.Error)
	require.NotEmpty(t, expanded.Result.Branches)
	assert.LessOrEqual(t, len(expanded.Result.Branches), 2)
	for _, b := range expanded.Result.Branches {
		assert.NotEmpty(t, b.Steps)
		assert.GreaterOrEqual(t, b.Score, 0.0)
		assert.LessOrEqual(t, b.Score, 1.0)
	}

	explained := f.svc.TotExplain(ctx, ExplainRequest{BranchID: expanded.Result.Branches[0].ID})
	require.True(t, explained.OK, "%+v", explained.Error)
	assert.NotEmpty(t, explained.Result.Band)

	// Without an active-branch choice the root steps execute.
	first := submitted.Result.Steps[0]
	require.Empty(t, first.Dependencies)
	f.bind(t, first.Capability, "analyst")

	run := f.svc.RunStep(ctx, orchestrator.RunRequest{StepID: first.ID})
	require.True(t, run.OK, "%+v", run.Error)
	require.True(t, run.Result.Success)

	waited := f.svc.AwaitTicket(ctx, AwaitRequest{TicketID: run.Result.Ticket.ID, TimeoutMS: 500})
	require.True(t, waited.OK, "%+v", waited.Error)
	assert.Equal(t, ledger.TicketCompleted, waited.Result.Status)

	committed := f.svc.CommitResult(ctx, orchestrator.CommitRequest{TicketID: run.Result.Ticket.ID})
	require.True(t, committed.OK, "%+v", committed.Error)
	assert.False(t, committed.Result.PlanArchived)

	trail := f.svc.AuditTrail(ctx, audit.TrailRequest{PlanID: planID})
	require.True(t, trail.OK, "%+v", trail.Error)
	require.NotNil(t, trail.Result.Summary)
	assert.Equal(t, 1, trail.Result.Summary.Attestations)

	compliance := f.svc.ComplianceCheck(ctx, PlanRequest{PlanID: planID})
	require.True(t, compliance.OK, "%+v", compliance.Error)
	assert.NotEmpty(t, compliance.Result.Checks)

	risk := f.svc.RiskAssessment(ctx, PlanRequest{PlanID: planID})
	require.True(t, risk.OK, "%+v", risk.Error)

	dry := f.svc.DryRun(ctx, PlanRequest{PlanID: planID})
	require.True(t, dry.OK, "%+v", dry.Error)
	assert.Positive(t, dry.Result.EstimatedDurationMS)
}

func TestRouteInferPicksHighestCombinedScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fast := f.bind(t, "deploy_service", "fast")
	slow := f.bind(t, "deploy_service", "slow")
	mid := f.bind(t, "deploy_service", "mid")
	f.learn(t, fast.ID, ledger.Learning{TotalCount: 20, SuccessCount: 19, AvgLatencyMS: 1000, AvgCost: 0.5, AvgReliability: 0.95})
	f.learn(t, slow.ID, ledger.Learning{TotalCount: 20, SuccessCount: 12, AvgLatencyMS: 30000, AvgCost: 5, AvgReliability: 0.6})
	f.learn(t, mid.ID, ledger.Learning{TotalCount: 20, SuccessCount: 16, AvgLatencyMS: 10000, AvgCost: 2, AvgReliability: 0.8})

	zero := 0.0
	res := f.svc.RouteInfer(ctx, InferRequest{Capability: "deploy_service", Explore: &zero})
	require.True(t, res.OK, "%+v", res.Error)
	assert.Equal(t, fast.ID, res.Result.Selection.Route.ID)
	assert.Equal(t, router.ReasonExploit, res.Result.Selection.Reason)
	assert.Equal(t, "ucb", res.Result.Router)

	reward := 0.4*0.95 + 0.2*(1-1000.0/60000) + 0.2*(1-0.5/10) + 0.2*0.95
	bonus := math.Sqrt(2*math.Log(21)/20) + 0.1*reward
	assert.InDelta(t, reward+bonus, res.Result.Selection.Score, 1e-9)
	require.Len(t, res.Result.Selection.Ranking, 3)
	assert.Equal(t, mid.ID, res.Result.Selection.Ranking[1].RouteID)
}

func TestRouteInferClassifiesQuery(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "provision_infrastructure", "terraform")

	res := f.svc.RouteInfer(context.Background(), InferRequest{Query: "provision a new cluster"})
	require.True(t, res.OK, "%+v", res.Error)
	assert.Equal(t, "provision_infrastructure", res.Result.Capability)
	require.NotNil(t, res.Result.Classification)
	assert.Equal(t, "mock/terraform", res.Result.Selection.Route.ID)
}

func TestErrorsBecomePayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, CodeInvalidArgument, f.svc.SubmitGoal(ctx, planner.GoalRequest{Goal: "  "}).Error.Code)
	assert.Equal(t, CodeNotFound, f.svc.DryRun(ctx, PlanRequest{PlanID: "missing"}).Error.Code)
	assert.Equal(t, CodeInvalidArgument, f.svc.DryRun(ctx, PlanRequest{}).Error.Code)
	assert.Equal(t, CodeNoRouteAvailable, f.svc.RouteInfer(ctx, InferRequest{Capability: "nothing_bound"}).Error.Code)
	assert.Equal(t, CodeInvalidArgument, f.svc.AuditTrail(ctx, audit.TrailRequest{Format: "xml"}).Error.Code)
	assert.Equal(t, CodeInvalidArgument, f.svc.OptimizeRoutes(ctx, optimize.RoutesRequest{Target: "speed"}).Error.Code)

	f.bind(t, "deploy_service", "helm")
	dup := f.svc.BindCapability(ctx, registry.BindRequest{Capability: "deploy_service", BackendID: "mock", ToolName: "helm"})
	require.False(t, dup.OK)
	assert.Equal(t, CodeConflict, dup.Error.Code)

	submitted := f.svc.SubmitGoal(ctx, planner.GoalRequest{Goal: "deploy service"})
	require.True(t, submitted.OK)
	var blocked ledger.Step
	for _, s := range submitted.Result.Steps {
		if len(s.Dependencies) > 0 {
			blocked = s
			break
		}
	}
	run := f.svc.RunStep(ctx, orchestrator.RunRequest{StepID: blocked.ID})
	require.False(t, run.OK)
	assert.Equal(t, CodeDependencyUnsatisfied, run.Error.Code)

	ticket, err := f.store.CreateTicket(ctx, ledger.Ticket{
		ID: "t-running", PlanID: submitted.Result.Plan.ID, StepID: blocked.ID,
		RouteID: "mock/helm", Capability: "deploy_service", Path: ledger.PathStandard,
	})
	require.NoError(t, err)
	start := time.Now()
	waited := f.svc.AwaitTicket(ctx, AwaitRequest{TicketID: ticket.ID, TimeoutMS: 60, PollIntervalMS: 10})
	require.False(t, waited.OK)
	assert.Equal(t, CodeTimedOut, waited.Error.Code)
	assert.Less(t, time.Since(start), 5*time.Second)

	commit := f.svc.CommitResult(ctx, orchestrator.CommitRequest{TicketID: ticket.ID})
	assert.Equal(t, CodeInvalidTransition, commit.Error.Code)
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.svc.Dispatch(ctx, OpSubmitGoal, json.RawMessage(`{"goal":"deploy service"}`))
	require.True(t, res.OK, "%+v", res.Error)
	data, err := json.Marshal(res)
	require.NoError(t, err)
	var decoded struct {
		OK     bool `json:"ok"`
		Result struct {
			Plan ledger.Plan `json:"plan"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.OK)
	assert.NotEmpty(t, decoded.Result.Plan.ID)

	assert.Equal(t, CodeNotFound, f.svc.Dispatch(ctx, "launch_rockets", nil).Error.Code)
	assert.Equal(t, CodeInvalidArgument, f.svc.Dispatch(ctx, OpSubmitGoal, json.RawMessage(`{"goal":`)).Error.Code)
	assert.Equal(t, CodeInvalidArgument, f.svc.Dispatch(ctx, OpSubmitGoal, json.RawMessage(`{"goal":"x","colour":"red"}`)).Error.Code)

	analyzed := f.svc.Dispatch(ctx, OpAnalyzePerformance, nil)
	assert.True(t, analyzed.OK)

	assert.Len(t, Operations(), 16)
	assert.Len(t, OperationNames(), 16)
}

func TestProfileToolsFromCatalog(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`tools:
  - backend: mock
    tool: terraform
    description: provision cluster infrastructure
  - backend: mock
    tool: pytest
    capability: run_tests
`), 0o644))

	res := f.svc.ProfileTools(context.Background(), ProfileRequest{Catalog: path, Bind: true})
	require.True(t, res.OK, "%+v", res.Error)
	assert.Equal(t, 2, res.Result.Bound)

	missing := f.svc.ProfileTools(context.Background(), ProfileRequest{Catalog: filepath.Join(t.TempDir(), "absent.yaml")})
	assert.Equal(t, CodeNotFound, missing.Error.Code)
	assert.Equal(t, CodeInvalidArgument, f.svc.ProfileTools(context.Background(), ProfileRequest{}).Error.Code)
}
