package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeforge/internal/adapters"
	"routeforge/internal/api"
	"routeforge/internal/audit"
	"routeforge/internal/ledger"
	"routeforge/internal/optimize"
	"routeforge/internal/orchestrator"
	"routeforge/internal/planner"
	"routeforge/internal/registry"
	"routeforge/internal/router"
)

func newService(t *testing.T) *api.Service {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := router.NewBandit(router.DefaultConfig(), store, nil)
	reg := registry.New(store, nil, nil)
	return api.New(api.Deps{
		Planner:      planner.New(store, reg, planner.DefaultConfig(), nil),
		Registry:     reg,
		Router:       rt,
		Orchestrator: orchestrator.New(store, reg, rt, adapters.NewSet(adapters.NewMockBackend("")), orchestrator.DefaultConfig(), nil),
		Auditor:      audit.New(store, audit.DefaultThresholds(), nil),
		Optimizer:    optimize.New(store, rt, router.DefaultPolicy(), optimize.DefaultConfig(), nil),
	}, nil)
}

func connect(t *testing.T) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv := New(newService(t), "test", nil)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := srv.mcp.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func decodeText(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestListsEveryOperation(t *testing.T) {
	cs := connect(t)
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, api.OperationNames(), names)
}

func TestCallTool(t *testing.T) {
	cs := connect(t)
	ctx := context.Background()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      api.OpSubmitGoal,
		Arguments: map[string]any{"goal": "provision database"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	out := decodeText(t, res)
	assert.Equal(t, true, out["ok"])

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      api.OpDryRun,
		Arguments: map[string]any{"plan_id": "missing"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	out = decodeText(t, res)
	errPayload, ok := out["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, api.CodeNotFound, errPayload["code"])
}
