package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func seedPlan(t *testing.T, store *Store, steps ...Step) Plan {
	t.Helper()
	ctx := context.Background()
	plan, err := store.CreatePlan(ctx, Plan{ID: "plan-1", Goal: "provision database"})
	if err != nil {
		t.Fatalf("CreatePlan() error: %v", err)
	}
	for i := range steps {
		steps[i].PlanID = plan.ID
		steps[i].OrderIndex = i
	}
	if err := store.InsertSteps(ctx, steps); err != nil {
		t.Fatalf("InsertSteps() error: %v", err)
	}
	return plan
}

func TestPlanRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	in := Plan{
		ID:          "p1",
		Goal:        "deploy service",
		Context:     PlanContext{Attributes: map[string]string{"env": "staging"}},
		Constraints: []string{"no downtime"},
		Budget:      Budget{MaxCost: 12.5},
		Owner:       "ops",
	}
	if _, err := store.CreatePlan(ctx, in); err != nil {
		t.Fatalf("CreatePlan() error: %v", err)
	}
	got, err := store.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan() error: %v", err)
	}
	if got.Status != PlanActive {
		t.Fatalf("status = %s, want %s", got.Status, PlanActive)
	}
	if got.Context.Attributes["env"] != "staging" || got.Budget.MaxCost != 12.5 || len(got.Constraints) != 1 {
		t.Fatalf("plan did not round trip: %+v", got)
	}

	if _, err := store.GetPlan(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPlan(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.SetPlanStatus(ctx, "p1", PlanArchived); err != nil {
		t.Fatalf("SetPlanStatus() error: %v", err)
	}
	archived, err := store.ListPlans(ctx, PlanArchived, 10)
	if err != nil {
		t.Fatalf("ListPlans() error: %v", err)
	}
	if len(archived) != 1 {
		t.Fatalf("archived plans = %d, want 1", len(archived))
	}
}

func TestTransitionStepRequiresDoneDependencies(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlan(t, store,
		Step{ID: "a", Capability: "analyze"},
		Step{ID: "b", Capability: "provision", Dependencies: []string{"a"}},
	)

	if _, err := store.TransitionStep(ctx, "b", StepRunning); !errors.Is(err, ErrDependencyUnsatisfied) {
		t.Fatalf("running with pending dependency: error = %v, want ErrDependencyUnsatisfied", err)
	}

	if _, err := store.TransitionStep(ctx, "a", StepRunning); err != nil {
		t.Fatalf("TransitionStep(a, running) error: %v", err)
	}
	if _, err := store.TransitionStep(ctx, "b", StepRunning); !errors.Is(err, ErrDependencyUnsatisfied) {
		t.Fatalf("running dependency is not done: error = %v, want ErrDependencyUnsatisfied", err)
	}
	if _, err := store.TransitionStep(ctx, "a", StepDone); err != nil {
		t.Fatalf("TransitionStep(a, done) error: %v", err)
	}

	step, err := store.TransitionStep(ctx, "b", StepRunning)
	if err != nil {
		t.Fatalf("TransitionStep(b, running) error: %v", err)
	}
	if step.Status != StepRunning {
		t.Fatalf("status = %s, want running", step.Status)
	}
	if len(step.Dependencies) != 1 || step.Dependencies[0] != "a" {
		t.Fatalf("dependencies = %v, want [a]", step.Dependencies)
	}
}

func TestTransitionStepRejectsInvalidMoves(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlan(t, store, Step{ID: "a", Capability: "analyze"})

	if _, err := store.TransitionStep(ctx, "a", StepDone); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("todo -> done error = %v, want ErrInvalidTransition", err)
	}
	if _, err := store.TransitionStep(ctx, "missing", StepRunning); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing step error = %v, want ErrNotFound", err)
	}
}

func TestInsertRouteRejectsDuplicate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	route := Route{ID: "mock/psql", Capability: "provision_database", BackendID: "mock", ToolName: "psql", Score: 0.8, Healthy: true}
	if _, err := store.InsertRoute(ctx, route); err != nil {
		t.Fatalf("InsertRoute() error: %v", err)
	}
	if _, err := store.InsertRoute(ctx, route); !errors.Is(err, ErrRouteExists) {
		t.Fatalf("duplicate InsertRoute() error = %v, want ErrRouteExists", err)
	}

	learning, err := store.GetLearning(ctx, route.ID)
	if err != nil {
		t.Fatalf("GetLearning() error: %v", err)
	}
	if learning.TotalCount != 0 || learning.ConfidenceRadius != DefaultConfidenceRadius {
		t.Fatalf("fresh learning = %+v", learning)
	}

	got, err := store.GetRoute(ctx, route.ID)
	if err != nil {
		t.Fatalf("GetRoute() error: %v", err)
	}
	if got.Weights != BalancedWeights() {
		t.Fatalf("weights = %+v, want balanced", got.Weights)
	}
}

func TestListRoutesOrdersByScoreThenID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, r := range []Route{
		{ID: "b/x", Capability: "deploy", Score: 0.5},
		{ID: "a/x", Capability: "deploy", Score: 0.5},
		{ID: "c/x", Capability: "deploy", Score: 0.9},
		{ID: "d/x", Capability: "other", Score: 1.0},
	} {
		if _, err := store.InsertRoute(ctx, r); err != nil {
			t.Fatalf("InsertRoute(%s) error: %v", r.ID, err)
		}
	}

	routes, err := store.ListRoutes(ctx, "deploy")
	if err != nil {
		t.Fatalf("ListRoutes() error: %v", err)
	}
	want := []string{"c/x", "a/x", "b/x"}
	if len(routes) != len(want) {
		t.Fatalf("routes = %d, want %d", len(routes), len(want))
	}
	for i, id := range want {
		if routes[i].ID != id {
			t.Fatalf("routes[%d] = %s, want %s", i, routes[i].ID, id)
		}
	}
}

func TestUpdateLearningConcurrentIncrements(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.InsertRoute(ctx, Route{ID: "mock/a", Capability: "c", Healthy: true}); err != nil {
		t.Fatalf("InsertRoute() error: %v", err)
	}

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateLearning(ctx, "mock/a", "test", func(l *Learning) (any, error) {
				l.TotalCount++
				l.SuccessCount++
				return map[string]any{"route_id": "mock/a"}, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpdateLearning() error: %v", err)
		}
	}

	learning, err := store.GetLearning(ctx, "mock/a")
	if err != nil {
		t.Fatalf("GetLearning() error: %v", err)
	}
	if learning.TotalCount != n || learning.SuccessCount != n {
		t.Fatalf("counts = %d/%d, want %d/%d", learning.SuccessCount, learning.TotalCount, n, n)
	}

	events, err := store.ListEvents(ctx, EventFilter{Kinds: []string{"reward_applied"}})
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(events) != n {
		t.Fatalf("reward events = %d, want %d", len(events), n)
	}
}

func TestTicketLifecycleAndAttestation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlan(t, store, Step{ID: "a", Capability: "analyze", Critical: true})

	ticket, err := store.CreateTicket(ctx, Ticket{ID: "t1", StepID: "a", PlanID: "plan-1", RouteID: "mock/a", Capability: "analyze", RouteHealthy: true})
	if err != nil {
		t.Fatalf("CreateTicket() error: %v", err)
	}
	if ticket.Status != TicketRunning {
		t.Fatalf("status = %s, want running", ticket.Status)
	}

	att := Attestation{ID: "att1", TicketID: "t1", PredicateType: "slsa", Subject: "a", Attestor: "ci"}
	if _, err := store.AddAttestation(ctx, att); !errors.Is(err, ErrTicketNotCompleted) {
		t.Fatalf("attest running ticket error = %v, want ErrTicketNotCompleted", err)
	}

	done, err := store.CompleteTicket(ctx, "t1", TicketOutcome{
		Status:    TicketCompleted,
		Outputs:   map[string]any{"dsn": "postgres://db"},
		LatencyMS: 1200,
		Cost:      0.5,
		Quality:   0.9,
	})
	if err != nil {
		t.Fatalf("CompleteTicket() error: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if _, err := store.CompleteTicket(ctx, "t1", TicketOutcome{Status: TicketFailed}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second CompleteTicket() error = %v, want ErrInvalidTransition", err)
	}

	if _, err := store.AddAttestation(ctx, att); err != nil {
		t.Fatalf("AddAttestation() error: %v", err)
	}
	atts, err := store.ListAttestations(ctx, "plan-1")
	if err != nil {
		t.Fatalf("ListAttestations() error: %v", err)
	}
	if len(atts) != 1 || atts[0].TicketID != "t1" {
		t.Fatalf("attestations = %+v", atts)
	}

	got, err := store.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTicket() error: %v", err)
	}
	if got.Outputs["dsn"] != "postgres://db" || got.Status != TicketCompleted {
		t.Fatalf("ticket = %+v", got)
	}
}

func TestListEventsByPlan(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.AppendEvent(ctx, "planner", "plan_submitted", map[string]any{"plan_id": "p1"})
	_ = store.AppendEvent(ctx, "planner", "plan_submitted", map[string]any{"plan_id": "p2"})
	_ = store.AppendEvent(ctx, "registry", "capability_bound", map[string]any{"route_id": "r"})

	events, err := store.ListEvents(ctx, EventFilter{PlanID: "p1"})
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "plan_submitted" {
		t.Fatalf("events = %+v", events)
	}
}

func TestJobQueue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	id, created, err := store.EnqueueUnique(ctx, "route_health", now, map[string]any{})
	if err != nil || !created {
		t.Fatalf("EnqueueUnique() = %s, %v, %v", id, created, err)
	}
	again, created, err := store.EnqueueUnique(ctx, "route_health", now, map[string]any{})
	if err != nil || created || again != id {
		t.Fatalf("duplicate EnqueueUnique() = %s, %v, %v", again, created, err)
	}

	job, err := store.ClaimNext(ctx, now.Add(time.Second), "worker", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	if job == nil || job.ID != id || job.Status != JobRunning {
		t.Fatalf("claimed = %+v", job)
	}
	next, err := store.ClaimNext(ctx, now.Add(time.Second), "worker", time.Minute)
	if err != nil || next != nil {
		t.Fatalf("second ClaimNext() = %+v, %v; want nil", next, err)
	}

	if err := store.Succeed(ctx, id, map[string]int{"checked": 3}); err != nil {
		t.Fatalf("Succeed() error: %v", err)
	}
	jobs, err := store.ListJobs(ctx, JobSucceeded, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ListJobs() = %d, %v", len(jobs), err)
	}
}

func TestKV(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	value, err := store.GetKV(ctx, "router.exploration_rate")
	if err != nil || value != "" {
		t.Fatalf("GetKV(missing) = %q, %v", value, err)
	}
	if err := store.SetKV(ctx, "router.exploration_rate", "0.2"); err != nil {
		t.Fatalf("SetKV() error: %v", err)
	}
	value, _ = store.GetKV(ctx, "router.exploration_rate")
	if value != "0.2" {
		t.Fatalf("GetKV() = %q, want 0.2", value)
	}
}
