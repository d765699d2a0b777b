package optimize

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeforge/internal/ledger"
	"routeforge/internal/router"
)

type fixture struct {
	store *ledger.Store
	rt    router.Router
	opt   *Optimizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rt := router.NewBandit(router.DefaultConfig(), store, nil)
	return &fixture{store: store, rt: rt, opt: New(store, rt, router.DefaultPolicy(), DefaultConfig(), nil)}
}

func (f *fixture) route(t *testing.T, id, capability string, healthy bool, l ledger.Learning) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.InsertRoute(ctx, ledger.Route{ID: id, Capability: capability, BackendID: "mock", ToolName: id, Healthy: healthy, Score: 0.5})
	require.NoError(t, err)
	if l.TotalCount == 0 {
		return
	}
	_, err = f.store.UpdateLearning(ctx, id, "test", func(row *ledger.Learning) (any, error) {
		row.TotalCount, row.SuccessCount = l.TotalCount, l.SuccessCount
		row.AvgLatencyMS, row.AvgCost, row.AvgReliability = l.AvgLatencyMS, l.AvgCost, l.AvgReliability
		return nil, nil
	})
	require.NoError(t, err)
}

func TestOptimizeRoutesTowardLatency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.route(t, "slow", "deploy", true, ledger.Learning{TotalCount: 20, SuccessCount: 19, AvgLatencyMS: 20000, AvgCost: 0.5, AvgReliability: 0.9})

	res, err := f.opt.OptimizeRoutes(ctx, RoutesRequest{Target: TargetLatency})
	require.NoError(t, err)
	require.Len(t, res.Adjustments, 1)
	adj := res.Adjustments[0]
	require.True(t, adj.Applied, adj.Skipped)
	assert.Equal(t, 1, res.Applied)

	assert.InDelta(t, 0.30667, adj.After.Cost, 1e-4)
	assert.InDelta(t, 0.40667, adj.After.Latency, 1e-4)
	assert.InDelta(t, 0.28667, adj.After.Reliability, 1e-4)
	assert.InDelta(t, 0.30667*0.95+0.40667*(2.0/3)+0.28667*0.9, adj.ScoreTo, 1e-4)

	stored, err := f.store.GetRoute(ctx, "slow")
	require.NoError(t, err)
	assert.InDelta(t, adj.After.Latency, stored.Weights.Latency, 1e-9)
	assert.InDelta(t, adj.ScoreTo, stored.Score, 1e-9)
}

func TestOptimizeRoutesGatesAndThresholds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Already fast, so the latency weight may not grow and the remaining
	// change stays under the persistence threshold.
	f.route(t, "fast", "deploy", true, ledger.Learning{TotalCount: 20, SuccessCount: 19, AvgLatencyMS: 1000, AvgCost: 0.5, AvgReliability: 0.9})
	f.route(t, "fresh", "deploy", true, ledger.Learning{})

	res, err := f.opt.OptimizeRoutes(ctx, RoutesRequest{Target: TargetLatency})
	require.NoError(t, err)
	byID := map[string]Adjustment{}
	for _, a := range res.Adjustments {
		byID[a.RouteID] = a
	}
	assert.Equal(t, "change below threshold", byID["fast"].Skipped)
	assert.InDelta(t, 1.0/3, byID["fast"].Before.Latency, 1e-9)
	assert.Greater(t, byID["fast"].After.Latency, byID["fast"].After.Cost)
	assert.Equal(t, "no execution history", byID["fresh"].Skipped)
	assert.Zero(t, res.Applied)
}

func TestOptimizeRoutesDryRunAndClamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.route(t, "flaky", "deploy", true, ledger.Learning{TotalCount: 20, SuccessCount: 10, AvgLatencyMS: 1000, AvgCost: 0.5, AvgReliability: 0.5})

	res, err := f.opt.OptimizeRoutes(ctx, RoutesRequest{Target: TargetReliability, LearningRate: 1, DryRun: true})
	require.NoError(t, err)
	adj := res.Adjustments[0]
	assert.Equal(t, "dry run", adj.Skipped)
	assert.False(t, adj.Applied)
	for _, w := range []float64{adj.After.Cost, adj.After.Latency, adj.After.Reliability} {
		assert.GreaterOrEqual(t, w, 0.05)
		assert.LessOrEqual(t, w, 0.9)
	}

	stored, err := f.store.GetRoute(ctx, "flaky")
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, stored.Weights.Reliability, 1e-9)

	_, err = f.opt.OptimizeRoutes(ctx, RoutesRequest{Target: "speed"})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestTuneBandit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.route(t, "a", "deploy", true, ledger.Learning{TotalCount: 150, SuccessCount: 100})

	res, err := f.opt.TuneBandit(ctx, BanditRequest{})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 0.2, res.Current)
	assert.Equal(t, 0.2, f.rt.ExplorationRate())
	raw, err := f.store.GetKV(ctx, ExplorationRateKey)
	require.NoError(t, err)
	assert.Equal(t, "0.2", raw)

	res, err = f.opt.TuneBandit(ctx, BanditRequest{})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	rate := 0.5
	res, err = f.opt.TuneBandit(ctx, BanditRequest{ExplorationRate: &rate})
	require.NoError(t, err)
	assert.Equal(t, "explicit rate", res.Reason)

	bad := 1.5
	_, err = f.opt.TuneBandit(ctx, BanditRequest{ExplorationRate: &bad})
	assert.Error(t, err)

	restored := router.NewBandit(router.DefaultConfig(), f.store, nil)
	ok, err := New(f.store, restored, router.Policy{}, Config{}, nil).RestoreExplorationRate(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.5, restored.ExplorationRate())
}

func TestTuneBanditLowersWhenConsistentlyGood(t *testing.T) {
	f := newFixture(t)
	f.route(t, "a", "deploy", true, ledger.Learning{TotalCount: 600, SuccessCount: 590})

	res, err := f.opt.TuneBandit(context.Background(), BanditRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0.05, res.Current)
	assert.Equal(t, "high aggregate success rate", res.Reason)
}

func TestAnalyzePerformance(t *testing.T) {
	f := newFixture(t)
	f.route(t, "good", "deploy", true, ledger.Learning{TotalCount: 30, SuccessCount: 30, AvgLatencyMS: 1000, AvgCost: 1})
	f.route(t, "bad", "deploy", false, ledger.Learning{TotalCount: 10, SuccessCount: 5, AvgLatencyMS: 5000, AvgCost: 3})
	f.route(t, "new", "scan", true, ledger.Learning{})

	report, err := f.opt.AnalyzePerformance(context.Background(), AnalyzeRequest{})
	require.NoError(t, err)
	assert.Len(t, report.Routes, 3)
	assert.Equal(t, int64(40), report.Aggregate.Calls)
	assert.InDelta(t, 35.0/40, report.Aggregate.SuccessRate, 1e-9)
	assert.InDelta(t, 2000, report.Aggregate.AvgLatencyMS, 1e-9)
	assert.InDelta(t, 1.5, report.Aggregate.AvgCost, 1e-9)
	assert.Equal(t, 2, report.Aggregate.Capabilities)
	assert.Equal(t, 2, report.Aggregate.HealthyRoutes)
	// bad: unhealthy and low success; new: never ran; deploy and scan: one healthy route each.
	assert.Len(t, report.Recommendations, 5)

	scoped, err := f.opt.AnalyzePerformance(context.Background(), AnalyzeRequest{Capability: "scan"})
	require.NoError(t, err)
	assert.Len(t, scoped.Routes, 1)
}
