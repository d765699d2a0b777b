// Package config loads routeforge configuration from YAML and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"routeforge/internal/adapters"
	"routeforge/internal/audit"
	"routeforge/internal/debate"
	"routeforge/internal/logging"
	"routeforge/internal/optimize"
	"routeforge/internal/orchestrator"
	"routeforge/internal/planner"
	"routeforge/internal/router"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the complete routeforge configuration.
type Config struct {
	DataDir string `koanf:"data_dir"`
	// Catalog and Evidence are file paths, relative to DataDir unless absolute.
	Catalog  string `koanf:"catalog"`
	Evidence string `koanf:"evidence"`

	Ledger       LedgerConfig        `koanf:"ledger"`
	Logging      logging.Config      `koanf:"logging"`
	Router       router.Config       `koanf:"router"`
	Planner      planner.Config      `koanf:"planner"`
	Orchestrator orchestrator.Config `koanf:"orchestrator"`
	Debate       DebateConfig        `koanf:"debate"`
	Audit        audit.Thresholds    `koanf:"audit"`
	Optimizer    OptimizerConfig     `koanf:"optimizer"`
	Health       HealthConfig        `koanf:"health"`
	Daemon       DaemonConfig        `koanf:"daemon"`
	HTTP         HTTPConfig          `koanf:"http"`
	Tracker      TrackerConfig       `koanf:"tracker"`
	Notify       NotifyConfig        `koanf:"notify"`
	Backends     BackendsConfig      `koanf:"backends"`
}

// LedgerConfig locates the SQLite ledger.
type LedgerConfig struct {
	Path string `koanf:"path"`
}

// DebateConfig enables the MAD judge on the high-assurance path.
type DebateConfig struct {
	Enabled       bool `koanf:"enabled"`
	debate.Config `koanf:",squash"`
}

// OptimizerConfig adds the daemon cadence to the optimizer settings.
type OptimizerConfig struct {
	optimize.Config `koanf:",squash"`
	Interval        Duration `koanf:"interval"`
	BanditInterval  Duration `koanf:"bandit_interval"`
}

// HealthConfig paces route health passes.
type HealthConfig struct {
	Interval        Duration `koanf:"interval"`
	ChecksPerSecond float64  `koanf:"checks_per_second"`
	Concurrency     int      `koanf:"concurrency"`
	Timeout         Duration `koanf:"timeout"`
}

// DaemonConfig controls the background job loop.
type DaemonConfig struct {
	PollInterval Duration `koanf:"poll_interval"`
	LeaseFor     Duration `koanf:"lease_for"`
	MaxAttempts  int      `koanf:"max_attempts"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Addr            string   `koanf:"addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TrackerConfig configures the NATS step-signal publisher. An empty URL
// disables it.
type TrackerConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// NotifyConfig toggles desktop notifications.
type NotifyConfig struct {
	Enabled bool `koanf:"enabled"`
}

// BackendsConfig declares execution backends.
type BackendsConfig struct {
	// Mock registers the deterministic offline backend under id "mock".
	Mock     bool                     `koanf:"mock"`
	Commands []adapters.CommandConfig `koanf:"commands"`
}

// Default returns the stock configuration. Paths stay empty until Load
// resolves them against the data directory.
func Default() Config {
	return Config{
		Logging:      logging.DefaultConfig(),
		Router:       router.DefaultConfig(),
		Planner:      planner.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Debate:       DebateConfig{Enabled: true, Config: debate.DefaultConfig()},
		Audit:        audit.DefaultThresholds(),
		Optimizer: OptimizerConfig{
			Config:         optimize.DefaultConfig(),
			Interval:       Duration(time.Hour),
			BanditInterval: Duration(6 * time.Hour),
		},
		Health: HealthConfig{
			Interval:        Duration(5 * time.Minute),
			ChecksPerSecond: 10,
			Concurrency:     4,
			Timeout:         Duration(10 * time.Second),
		},
		Daemon: DaemonConfig{
			PollInterval: Duration(2 * time.Second),
			LeaseFor:     Duration(5 * time.Minute),
			MaxAttempts:  3,
		},
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:8484",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Tracker:  TrackerConfig{SubjectPrefix: "routeforge.steps"},
		Backends: BackendsConfig{Mock: true},
	}
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Router.Strategy {
	case router.StrategyUCB, router.StrategyThompson:
	default:
		errs = append(errs, fmt.Errorf("router.strategy %q must be %s or %s", c.Router.Strategy, router.StrategyUCB, router.StrategyThompson))
	}
	if c.Router.ExplorationRate < 0 || c.Router.ExplorationRate > 1 {
		errs = append(errs, fmt.Errorf("router.exploration_rate %v must be within [0,1]", c.Router.ExplorationRate))
	}
	if c.Router.ConfidenceWidth < 0 {
		errs = append(errs, errors.New("router.confidence_width cannot be negative"))
	}
	if c.Router.Policy.LatencyScaleMS <= 0 || c.Router.Policy.CostScale <= 0 {
		errs = append(errs, errors.New("router.policy scales must be positive"))
	}

	if c.Planner.BeamSize < 1 {
		errs = append(errs, fmt.Errorf("planner.beam_size %d must be at least 1", c.Planner.BeamSize))
	}
	if c.Planner.Horizon < 1 {
		errs = append(errs, fmt.Errorf("planner.horizon %d must be at least 1", c.Planner.Horizon))
	}
	if c.Debate.Rounds < 0 {
		errs = append(errs, errors.New("debate.rounds cannot be negative"))
	}

	if _, err := c.Optimizer.Target.Profile(); err != nil {
		errs = append(errs, fmt.Errorf("optimizer.target: %w", err))
	}
	if c.Optimizer.LearningRate <= 0 || c.Optimizer.LearningRate > 1 {
		errs = append(errs, fmt.Errorf("optimizer.learning_rate %v must be within (0,1]", c.Optimizer.LearningRate))
	}
	if c.Optimizer.MinWeight < 0 || c.Optimizer.MaxWeight > 1 || c.Optimizer.MinWeight >= c.Optimizer.MaxWeight {
		errs = append(errs, errors.New("optimizer weight bounds must satisfy 0 <= min_weight < max_weight <= 1"))
	}

	if c.Health.ChecksPerSecond < 0 {
		errs = append(errs, errors.New("health.checks_per_second cannot be negative"))
	}
	if c.Daemon.PollInterval <= 0 {
		errs = append(errs, errors.New("daemon.poll_interval must be positive"))
	}
	if c.Daemon.MaxAttempts < 1 {
		errs = append(errs, errors.New("daemon.max_attempts must be at least 1"))
	}

	ids := map[string]bool{}
	if c.Backends.Mock {
		ids["mock"] = true
	}
	for i, b := range c.Backends.Commands {
		if b.ID == "" || b.Command == "" {
			errs = append(errs, fmt.Errorf("backends.commands[%d]: id and command are required", i))
			continue
		}
		if ids[b.ID] {
			errs = append(errs, fmt.Errorf("backends.commands[%d]: duplicate backend id %q", i, b.ID))
		}
		ids[b.ID] = true
	}
	return errors.Join(errs...)
}
