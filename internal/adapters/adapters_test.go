package adapters

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeforge/internal/ledger"
)

func TestMockBackendDefaults(t *testing.T) {
	m := NewMockBackend("")
	res, err := m.Execute(context.Background(), ExecRequest{
		ToolName:   "psql",
		Capability: "configure_database",
		Inputs:     map[string]string{"engine": "postgres"},
		Expect:     []string{"connection_string"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.Cost)
	assert.Equal(t, 0.9, res.QualityScore)
	assert.Equal(t, "mock://mock/psql/connection_string", res.Outputs["connection_string"])
	assert.Equal(t, "postgres", res.Outputs["input.engine"])
	assert.Equal(t, 1, m.Calls("psql"))
}

func TestMockBackendScriptedFailure(t *testing.T) {
	m := NewMockBackend("mock")
	m.Script("helm", MockBehavior{Cost: 2, Fail: true, Down: true})

	_, err := m.Execute(context.Background(), ExecRequest{ToolName: "helm"})
	assert.Error(t, err)
	assert.Error(t, m.Ping(context.Background(), "helm"))
	assert.NoError(t, m.Ping(context.Background(), "psql"))

	_, err = m.Execute(context.Background(), ExecRequest{ToolName: "psql", Inputs: map[string]string{"mock.fail": "true"}})
	assert.Error(t, err)
}

func TestMockBackendHonoursContext(t *testing.T) {
	m := NewMockBackend("mock")
	m.Script("slow", MockBehavior{Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Execute(ctx, ExecRequest{ToolName: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetResolveAndCheckRoute(t *testing.T) {
	m := NewMockBackend("mock")
	m.Script("down", MockBehavior{Down: true})
	set := NewSet(m)

	assert.Equal(t, []string{"mock"}, set.IDs())
	_, err := set.Resolve("nope")
	assert.ErrorIs(t, err, ErrUnknownBackend)

	ctx := context.Background()
	assert.NoError(t, set.CheckRoute(ctx, ledger.Route{BackendID: "mock", ToolName: "psql"}))
	assert.Error(t, set.CheckRoute(ctx, ledger.Route{BackendID: "mock", ToolName: "down"}))
	assert.ErrorIs(t, set.CheckRoute(ctx, ledger.Route{BackendID: "other", ToolName: "x"}), ErrUnknownBackend)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandBackendRoundTrip(t *testing.T) {
	requireShell(t)
	b, err := NewCommandBackend(CommandConfig{
		ID:      "shell",
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; printf '{"outputs":{"tool":"%s"},"cost":1.5,"quality_score":0.7}' "$ROUTEFORGE_TOOL"`},
	})
	require.NoError(t, err)

	res, err := b.Execute(context.Background(), ExecRequest{ToolName: "terraform", Capability: "provision_infrastructure"})
	require.NoError(t, err)
	assert.Equal(t, "terraform", res.Outputs["tool"])
	assert.Equal(t, 1.5, res.Cost)
	assert.Equal(t, 0.7, res.QualityScore)
	assert.NoError(t, b.Ping(context.Background(), "terraform"))
}

func TestCommandBackendFailure(t *testing.T) {
	requireShell(t)
	b, err := NewCommandBackend(CommandConfig{ID: "shell", Command: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), ExecRequest{ToolName: "x"})
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "boom", cmdErr.Stderr)
}

func TestNewCommandBackendValidates(t *testing.T) {
	_, err := NewCommandBackend(CommandConfig{Command: "sh"})
	assert.Error(t, err)
	_, err = NewCommandBackend(CommandConfig{ID: "x"})
	assert.Error(t, err)

	b, err := NewCommandBackend(CommandConfig{ID: "x", Command: "definitely-not-a-real-binary-xyz"})
	require.NoError(t, err)
	assert.Error(t, b.Ping(context.Background(), ""))
}

func TestMergeEnvOverrides(t *testing.T) {
	merged := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3"})
	assert.ElementsMatch(t, []string{"A=1", "B=3"}, merged)
}
