package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"routeforge/internal/optimize"
	"routeforge/internal/router"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routeforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROUTEFORGE_DATA_DIR", dir)

	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "ledger.sqlite"), cfg.Ledger.Path)
	assert.Equal(t, filepath.Join(dir, "catalog.yaml"), cfg.Catalog)
	assert.Equal(t, router.StrategyUCB, cfg.Router.Strategy)
	assert.Equal(t, router.DefaultExplorationRate, cfg.Router.ExplorationRate)
	assert.Equal(t, 3, cfg.Planner.BeamSize)
	assert.True(t, cfg.Backends.Mock)
	assert.True(t, cfg.Debate.Enabled)
	assert.Equal(t, time.Hour, cfg.Optimizer.Interval.Duration())
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
data_dir: `+dir+`
ledger:
  path: state/ledger.db
logging:
  level: debug
  format: console
router:
  strategy: thompson
  exploration_rate: 0.3
  policy:
    cost_scale: 20
planner:
  beam_size: 5
orchestrator:
  step_timeout: 90s
debate:
  rounds: 2
optimizer:
  target: latency
  learning_rate: 0.4
  interval: 30m
health:
  timeout: 3s
backends:
  mock: false
  commands:
    - id: local
      command: /usr/local/bin/tool-runner
      args: ["--json"]
`)
	t.Setenv("ROUTEFORGE_ROUTER__EXPLORATION_RATE", "0.05")
	t.Setenv("ROUTEFORGE_HTTP__ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state", "ledger.db"), cfg.Ledger.Path)
	assert.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, router.StrategyThompson, cfg.Router.Strategy)
	assert.Equal(t, 0.05, cfg.Router.ExplorationRate)
	assert.Equal(t, 20.0, cfg.Router.Policy.CostScale)
	assert.Equal(t, router.DefaultPolicy().LatencyScaleMS, cfg.Router.Policy.LatencyScaleMS)
	assert.Equal(t, 5, cfg.Planner.BeamSize)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.StepTimeout)
	assert.Equal(t, 2, cfg.Debate.Rounds)
	assert.Equal(t, optimize.TargetLatency, cfg.Optimizer.Target)
	assert.Equal(t, 0.4, cfg.Optimizer.LearningRate)
	assert.Equal(t, 30*time.Minute, cfg.Optimizer.Interval.Duration())
	assert.Equal(t, 3*time.Second, cfg.Health.Timeout.Duration())
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.False(t, cfg.Backends.Mock)
	require.Len(t, cfg.Backends.Commands, 1)
	assert.Equal(t, []string{"--json"}, cfg.Backends.Commands[0].Args)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("ROUTEFORGE_DATA_DIR", t.TempDir())
	cases := map[string]string{
		"exploration":  "router:\n  exploration_rate: 1.5\n",
		"strategy":     "router:\n  strategy: greedy\n",
		"beam":         "planner:\n  beam_size: 0\n",
		"target":       "optimizer:\n  target: speed\n",
		"log format":   "logging:\n  format: xml\n",
		"backend":      "backends:\n  commands:\n    - id: mock\n      command: x\n",
		"duration":     "daemon:\n  poll_interval: -1s\n",
		"missing exec": "backends:\n  commands:\n    - id: x\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestTemplateLoads(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROUTEFORGE_DATA_DIR", dir)
	path := filepath.Join(dir, "routeforge.yaml")

	written, err := WriteTemplate(path)
	require.NoError(t, err)
	assert.True(t, written)
	written, err = WriteTemplate(path)
	require.NoError(t, err)
	assert.False(t, written)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8484", cfg.HTTP.Addr)
	assert.Empty(t, cfg.Tracker.URL)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "router.policy.cost_scale", envKey("ROUTEFORGE_ROUTER__POLICY__COST_SCALE"))
	assert.Equal(t, "data_dir", envKey("ROUTEFORGE_DATA_DIR"))
}
