package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeforge/internal/ledger"
)

func newTestRegistry(t *testing.T) (*Registry, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil, nil), store
}

func TestBindCapability(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	route, err := reg.BindCapability(ctx, BindRequest{
		Capability: "configure_database",
		BackendID:  "mock",
		ToolName:   "psql",
		Confidence: 0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, "mock/psql", route.ID)
	assert.True(t, route.Healthy)
	assert.Equal(t, 0.7, route.Score)

	_, err = reg.BindCapability(ctx, BindRequest{Capability: "configure_database", BackendID: "mock", ToolName: "psql"})
	assert.ErrorIs(t, err, ledger.ErrRouteExists)

	_, err = reg.BindCapability(ctx, BindRequest{Capability: "", BackendID: "mock", ToolName: "x", Confidence: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability is required")
	assert.Contains(t, err.Error(), "confidence must be within [0,1]")

	events, err := store.ListEvents(ctx, ledger.EventFilter{Kinds: []string{"capability_bound"}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGetRoutesIncludesUnhealthy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, tool := range []string{"a", "b"} {
		_, err := reg.BindCapability(ctx, BindRequest{Capability: "deploy_service", BackendID: "mock", ToolName: tool, Confidence: 0.5})
		require.NoError(t, err)
	}
	require.NoError(t, reg.UpdateRouteHealth(ctx, "mock/a", false, "probe failed"))

	routes, err := reg.GetRoutes(ctx, "deploy_service")
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.False(t, routes[0].Healthy)

	candidates, err := reg.Candidates(ctx, "deploy_service")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "mock/a", candidates[0].Learning.RouteID)

	err = reg.UpdateRouteHealth(ctx, "mock/missing", true, "")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

type flakyChecker struct {
	down map[string]bool
}

func (c flakyChecker) CheckRoute(_ context.Context, route ledger.Route) error {
	if c.down[route.ID] {
		return errors.New("connection refused")
	}
	return nil
}

func TestHealthPassToleratesFailures(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	for _, tool := range []string{"a", "b", "c"} {
		_, err := reg.BindCapability(ctx, BindRequest{Capability: "run_tests", BackendID: "mock", ToolName: tool, Confidence: 0.5})
		require.NoError(t, err)
	}

	report, err := reg.HealthPass(ctx, flakyChecker{down: map[string]bool{"mock/b": true}}, HealthOptions{ChecksPerSecond: 100})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.Healthy)
	assert.Equal(t, 1, report.Unhealthy)

	route, err := store.GetRoute(ctx, "mock/b")
	require.NoError(t, err)
	assert.False(t, route.Healthy)

	report, err = reg.HealthPass(ctx, flakyChecker{}, HealthOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Healthy)
	changed := 0
	for _, res := range report.Results {
		if res.Changed {
			changed++
		}
	}
	assert.Equal(t, 1, changed)
}

func TestRuleClassifier(t *testing.T) {
	c := NewRuleClassifier(DefaultRules())
	ctx := context.Background()

	cls, err := c.Classify(ctx, "Configure the Postgres database schema")
	require.NoError(t, err)
	assert.Equal(t, "configure_database", cls.Capability)
	assert.Equal(t, 1.0, cls.Confidence)

	cls, err = c.Classify(ctx, "something unrelated")
	require.NoError(t, err)
	assert.Equal(t, DefaultCapability, cls.Capability)
	assert.Equal(t, 0.3, cls.Confidence)
}

const sampleCatalog = `
tools:
  - backend: mock
    tool: psql
    capability: configure_database
    confidence: 0.9
    weights: {cost: 0.2, latency: 0.3, reliability: 0.5}
  - backend: mock
    tool: helm
    description: deploy a service release to the cluster
  - backend: shell
    tool: pytest
    description: run the test suite
    policy:
      timeout_ms: 60000
`

func TestProfileToolsBindsAndReports(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	cat, err := ParseCatalog([]byte(sampleCatalog), "catalog.yml")
	require.NoError(t, err)
	require.Len(t, cat.Tools, 3)

	dry, err := reg.ProfileTools(ctx, cat.Tools, false)
	require.NoError(t, err)
	assert.Equal(t, 0, dry.Bound)
	for _, p := range dry.Tools {
		assert.Equal(t, ProfileProposed, p.Status)
	}

	report, err := reg.ProfileTools(ctx, cat.Tools, true)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Bound)
	assert.Equal(t, "configure_database", report.Tools[0].Capability)
	assert.False(t, report.Tools[0].Classified)
	assert.Equal(t, "deploy_service", report.Tools[1].Capability)
	assert.True(t, report.Tools[1].Classified)
	assert.Equal(t, "run_tests", report.Tools[2].Capability)

	again, err := reg.ProfileTools(ctx, cat.Tools, true)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Existing)
	assert.NotNil(t, again.Tools[0].Learning)
}

func TestLoadCatalogValidation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte(sampleCatalog), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(`
tools:
  - backend: mock
    tool: psql
  - tool: orphan
    confidence: 1.5
`), 0o644))

	_, err := LoadCatalog(dir)
	var vErrs ValidationErrors
	require.ErrorAs(t, err, &vErrs)
	assert.Len(t, vErrs, 2)

	cat, err := LoadCatalog(filepath.Join(dir, "a.yml"))
	require.NoError(t, err)
	assert.Len(t, cat.Tools, 3)
}
