package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Template is the starter configuration written by `routeforge init`.
const Template = `# routeforge configuration. Environment variables override any key:
# ROUTEFORGE_ROUTER__EXPLORATION_RATE=0.2 sets router.exploration_rate.

logging:
  level: info
  format: json

router:
  strategy: ucb          # ucb or thompson
  exploration_rate: 0.1
  confidence_width: 1.0

planner:
  beam_size: 3
  horizon: 3

debate:
  enabled: true
  rounds: 3

optimizer:
  target: balanced       # latency, cost, reliability or balanced
  learning_rate: 0.2
  interval: 1h
  bandit_interval: 6h

health:
  interval: 5m
  checks_per_second: 10

daemon:
  poll_interval: 2s

http:
  addr: 127.0.0.1:8484

tracker:
  url: ""                # e.g. nats://127.0.0.1:4222
  subject_prefix: routeforge.steps

notify:
  enabled: false

backends:
  mock: true
  commands: []
`

// WriteTemplate writes Template to path unless a file already exists there.
// It reports whether the file was written.
func WriteTemplate(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(Template), 0o600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
