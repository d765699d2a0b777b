package router

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeforge/internal/ledger"
)

func seededConfig(strategy string) Config {
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	cfg.Seed = 42
	return cfg
}

func explore(v float64) *float64 { return &v }

func candidate(id string, healthy bool, l ledger.Learning) Candidate {
	l.RouteID = id
	return Candidate{
		Route:    ledger.Route{ID: id, Capability: "provision_database", Healthy: healthy},
		Learning: l,
	}
}

func TestBanditChoosesHandComputedBest(t *testing.T) {
	b := NewBandit(seededConfig(StrategyUCB), nil, nil)

	req := Request{
		Capability: "provision_database",
		Explore:    explore(0),
		Candidates: []Candidate{
			candidate("mock/b", true, ledger.Learning{TotalCount: 10, SuccessCount: 5, AvgLatencyMS: 30000, AvgCost: 5, AvgReliability: 0.5, LastReward: 0.5}),
			candidate("mock/a", true, ledger.Learning{TotalCount: 10, SuccessCount: 9, AvgLatencyMS: 6000, AvgCost: 1, AvgReliability: 0.9, LastReward: 0.9}),
			candidate("mock/c", true, ledger.Learning{TotalCount: 10, SuccessCount: 10, AvgLatencyMS: 60000, AvgCost: 10, AvgReliability: 1, LastReward: 0.6}),
		},
	}

	sel, err := b.Choose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "mock/a", sel.Route.ID)
	assert.Equal(t, ReasonExploit, sel.Reason)

	bonus := math.Sqrt(2 * math.Log(11) / 10)
	assert.InDelta(t, 0.9+bonus, sel.Score, 1e-9)
	require.Len(t, sel.Ranking, 3)
	assert.Equal(t, []string{"mock/a", "mock/c", "mock/b"},
		[]string{sel.Ranking[0].RouteID, sel.Ranking[1].RouteID, sel.Ranking[2].RouteID})
	assert.InDelta(t, 0.6+bonus, sel.Ranking[1].Score, 1e-9)
	assert.InDelta(t, 0.5+bonus, sel.Ranking[2].Score, 1e-9)
}

func TestBanditTieBreaksByRouteID(t *testing.T) {
	b := NewBandit(seededConfig(StrategyUCB), nil, nil)
	stats := ledger.Learning{TotalCount: 4, SuccessCount: 3, AvgLatencyMS: 1000, AvgCost: 1, AvgReliability: 0.8}

	req := Request{
		Capability: "deploy",
		Explore:    explore(0),
		Candidates: []Candidate{candidate("z/tool", true, stats), candidate("a/tool", true, stats), candidate("m/tool", true, stats)},
	}
	for i := 0; i < 5; i++ {
		sel, err := b.Choose(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "a/tool", sel.Route.ID)
	}
}

func TestChooseNeverPicksUnhealthyWhenHealthyExists(t *testing.T) {
	for _, strategy := range []string{StrategyUCB, StrategyThompson} {
		t.Run(strategy, func(t *testing.T) {
			r, err := New(seededConfig(strategy), nil, nil)
			require.NoError(t, err)

			req := Request{
				Capability: "deploy",
				Candidates: []Candidate{
					candidate("best/unhealthy", false, ledger.Learning{TotalCount: 100, SuccessCount: 100, AvgReliability: 1}),
					candidate("ok/healthy", true, ledger.Learning{TotalCount: 100, SuccessCount: 40, AvgLatencyMS: 40000, AvgCost: 8, AvgReliability: 0.4}),
					candidate("new/healthy", true, ledger.Learning{}),
				},
			}
			for _, rate := range []float64{0, 0.5, 1} {
				req.Explore = explore(rate)
				for i := 0; i < 50; i++ {
					sel, err := r.Choose(context.Background(), req)
					require.NoError(t, err)
					assert.True(t, sel.Route.Healthy, "picked %s", sel.Route.ID)
				}
			}
		})
	}
}

func TestChooseDegradedFallback(t *testing.T) {
	b := NewBandit(seededConfig(StrategyUCB), nil, nil)
	req := Request{
		Capability: "deploy",
		Explore:    explore(0),
		Candidates: []Candidate{
			candidate("worse/x", false, ledger.Learning{TotalCount: 10, SuccessCount: 1, AvgReliability: 0.1, LastReward: 0.3}),
			candidate("better/x", false, ledger.Learning{TotalCount: 10, SuccessCount: 9, AvgReliability: 0.9, LastReward: 0.9}),
		},
	}
	sel, err := b.Choose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "better/x", sel.Route.ID)
	assert.Equal(t, ReasonDegraded, sel.Reason)
}

func TestChooseWithoutCandidates(t *testing.T) {
	b := NewBandit(seededConfig(StrategyUCB), nil, nil)
	_, err := b.Choose(context.Background(), Request{Capability: "deploy"})
	assert.True(t, errors.Is(err, ErrNoRouteAvailable))
}

func TestConstraintPenalty(t *testing.T) {
	p := DefaultPolicy()
	l := ledger.Learning{TotalCount: 3, AvgCost: 8, AvgLatencyMS: 20000, AvgReliability: 0.5}

	assert.Equal(t, 1.0, p.Penalty(l, SelectionContext{}))
	assert.InDelta(t, 0.1, p.Penalty(l, SelectionContext{CostBudget: 5}), 1e-12)
	assert.InDelta(t, 0.1*0.3, p.Penalty(l, SelectionContext{CostBudget: 5, LatencyRequirementMS: 10000}), 1e-12)
	assert.InDelta(t, 0.1*0.3*0.2, p.Penalty(l, SelectionContext{CostBudget: 5, LatencyRequirementMS: 10000, ReliabilityRequirement: 0.9}), 1e-12)
	assert.Equal(t, 1.0, p.Penalty(ledger.Learning{}, SelectionContext{CostBudget: 0.01}), "unexplored routes are not penalised")
}

func TestEstimatedRewardUnexplored(t *testing.T) {
	p := DefaultPolicy()
	reward := p.EstimatedReward(ledger.Learning{})
	assert.Equal(t, 1.0, reward)
	assert.InDelta(t, 0.1, p.Confidence(ledger.Learning{}, reward), 1e-12)
}

func openStore(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpdateRewardConcurrent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, err := store.InsertRoute(ctx, ledger.Route{ID: "mock/psql", Capability: "provision_database", Healthy: true})
	require.NoError(t, err)

	b := NewBandit(seededConfig(StrategyUCB), store, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			success := 1.0
			if i%5 == 0 {
				success = 0
			}
			_, err := b.UpdateReward(ctx, "mock/psql", Metrics{Success: success, LatencyMS: 1000, Cost: 1, Reliability: 0.9})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	learning, err := store.GetLearning(ctx, "mock/psql")
	require.NoError(t, err)
	assert.Equal(t, int64(n), learning.TotalCount)
	assert.Equal(t, int64(40), learning.SuccessCount)
	assert.InDelta(t, 1000, learning.AvgLatencyMS, 1e-9)
	assert.GreaterOrEqual(t, learning.ConfidenceRadius, DefaultPolicy().RadiusFloor)
}

func TestUpdateRewardFormula(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, err := store.InsertRoute(ctx, ledger.Route{ID: "mock/a", Capability: "c", Healthy: true})
	require.NoError(t, err)

	b := NewBandit(seededConfig(StrategyUCB), store, nil)

	first, err := b.UpdateReward(ctx, "mock/a", Metrics{Success: 1, LatencyMS: 6000, Cost: 2, Reliability: 0.8})
	require.NoError(t, err)
	assert.InDelta(t, 0.4+0.2*0.9+0.2*0.8+0.2*0.8, first.Reward, 1e-12)
	assert.Equal(t, 6000.0, first.Learning.AvgLatencyMS)
	assert.NotNil(t, first.Learning.LastSuccessAt)

	second, err := b.UpdateReward(ctx, "mock/a", Metrics{Success: 0, LatencyMS: 16000, Cost: 2, Reliability: 0.8})
	require.NoError(t, err)
	assert.InDelta(t, 7000, second.Learning.AvgLatencyMS, 1e-9)
	assert.Equal(t, int64(2), second.Learning.TotalCount)
	assert.Equal(t, int64(1), second.Learning.SuccessCount)
	assert.NotNil(t, second.Learning.LastFailureAt)

	_, err = b.UpdateReward(ctx, "missing/route", Metrics{Success: 1})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestNewSelectsStrategy(t *testing.T) {
	r, err := New(seededConfig(StrategyThompson), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyThompson, r.Name())

	r, err = New(seededConfig(""), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyUCB, r.Name())

	_, err = New(seededConfig("epsilon"), nil, nil)
	assert.Error(t, err)
}

func TestThompsonRankUsesPosteriorMean(t *testing.T) {
	th := NewThompson(seededConfig(StrategyThompson), nil, nil)
	ranked := th.Rank(Request{
		Candidates: []Candidate{
			candidate("low/x", true, ledger.Learning{TotalCount: 10, SuccessCount: 2}),
			candidate("high/x", true, ledger.Learning{TotalCount: 10, SuccessCount: 8}),
		},
	})
	require.Len(t, ranked, 2)
	assert.Equal(t, "high/x", ranked[0].RouteID)
	assert.InDelta(t, 9.0/12.0, ranked[0].Score, 1e-12)
}

func TestGammaSampleMean(t *testing.T) {
	th := NewThompson(seededConfig(StrategyThompson), nil, nil)
	const draws = 4000
	sum := 0.0
	for i := 0; i < draws; i++ {
		sum += gammaSample(th.rng.Float64, th.rng.NormFloat64, 3)
	}
	assert.InDelta(t, 3.0, sum/draws, 0.2)
}

func TestSetExplorationRateClamps(t *testing.T) {
	b := NewBandit(seededConfig(StrategyUCB), nil, nil)
	b.SetExplorationRate(1.7)
	assert.Equal(t, 1.0, b.ExplorationRate())
	b.SetExplorationRate(0.05)
	assert.Equal(t, 0.05, b.ExplorationRate())
}
