package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CommandConfig configures a subprocess backend.
type CommandConfig struct {
	ID      string            `koanf:"id"`
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Dir     string            `koanf:"dir"`
	Env     map[string]string `koanf:"env"`
}

// CommandBackend runs a subprocess per execution. The ExecRequest is written
// to stdin as JSON and the process answers with an ExecResult on stdout.
type CommandBackend struct {
	cfg CommandConfig
}

// CommandError reports a failed subprocess.
type CommandError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command exited with code %d", e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandBackend validates cfg and returns a backend.
func NewCommandBackend(cfg CommandConfig) (*CommandBackend, error) {
	if cfg.ID == "" {
		return nil, errors.New("backend id is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("backend %s: command is required", cfg.ID)
	}
	return &CommandBackend{cfg: cfg}, nil
}

// ID implements Backend.
func (c *CommandBackend) ID() string {
	return c.cfg.ID
}

// Execute implements Backend.
func (c *CommandBackend) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return ExecResult{}, fmt.Errorf("marshal request: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	env := map[string]string{
		"ROUTEFORGE_ROUTE_ID":   req.RouteID,
		"ROUTEFORGE_TOOL":       req.ToolName,
		"ROUTEFORGE_CAPABILITY": req.Capability,
		"ROUTEFORGE_STEP_ID":    req.StepID,
	}
	for k, v := range c.cfg.Env {
		env[k] = v
	}
	cmd.Env = mergeEnv(os.Environ(), env)

	if err := cmd.Run(); err != nil {
		return ExecResult{}, &CommandError{
			ExitCode: exitCodeFromError(err),
			Stderr:   truncate(strings.TrimSpace(stderr.String()), 512),
			Err:      err,
		}
	}

	var result ExecResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil {
		return ExecResult{}, fmt.Errorf("decode %s output: %w", c.cfg.ID, err)
	}
	if result.Outputs == nil {
		result.Outputs = map[string]any{}
	}
	return result, nil
}

// Ping implements Pinger by checking that the command resolves.
func (c *CommandBackend) Ping(_ context.Context, _ string) error {
	if _, err := exec.LookPath(c.cfg.Command); err != nil {
		return fmt.Errorf("backend %s: %w", c.cfg.ID, err)
	}
	return nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		merged = append(merged, entry)
	}
	for key, value := range overrides {
		merged = append(merged, key+"="+value)
	}
	return merged
}

func exitCodeFromError(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 124
	}
	return 1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
