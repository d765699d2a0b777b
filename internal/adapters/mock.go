package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockBehavior scripts the mock backend's answer for one tool.
type MockBehavior struct {
	Cost    float64
	Quality float64
	Delay   time.Duration
	Fail    bool
	// Down makes Ping fail, which marks the route unhealthy on a health pass.
	Down bool
}

// MockBackend is a deterministic, offline backend used for tests and local runs.
// Unless scripted otherwise it succeeds with cost 0.5 and quality 0.9 and
// returns a placeholder for every expected output.
type MockBackend struct {
	id string

	mu        sync.Mutex
	behaviors map[string]MockBehavior
	calls     map[string]int
}

// NewMockBackend creates a mock backend. An empty id means "mock".
func NewMockBackend(id string) *MockBackend {
	if id == "" {
		id = "mock"
	}
	return &MockBackend{id: id, behaviors: make(map[string]MockBehavior), calls: make(map[string]int)}
}

// ID implements Backend.
func (m *MockBackend) ID() string {
	return m.id
}

// Script sets the behaviour for a tool.
func (m *MockBackend) Script(tool string, b MockBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[tool] = b
}

// Calls returns how often a tool has been executed.
func (m *MockBackend) Calls(tool string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[tool]
}

func (m *MockBackend) behavior(tool string) MockBehavior {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.behaviors[tool]
	if !ok {
		b = MockBehavior{Cost: 0.5, Quality: 0.9}
	}
	return b
}

// Execute implements Backend.
func (m *MockBackend) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if req.ToolName == "" {
		return ExecResult{}, errors.New("tool name is required")
	}
	b := m.behavior(req.ToolName)

	m.mu.Lock()
	m.calls[req.ToolName]++
	m.mu.Unlock()

	if b.Delay > 0 {
		timer := time.NewTimer(b.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}
	if b.Fail || req.Inputs["mock.fail"] == "true" {
		return ExecResult{Cost: b.Cost}, fmt.Errorf("mock %s/%s: scripted failure", m.id, req.ToolName)
	}

	outputs := map[string]any{
		"summary":    fmt.Sprintf("mock %s completed %s (no changes applied)", req.ToolName, req.Capability),
		"capability": req.Capability,
	}
	for _, key := range req.Expect {
		outputs[key] = fmt.Sprintf("mock://%s/%s/%s", m.id, req.ToolName, key)
	}
	for k, v := range req.Inputs {
		outputs["input."+k] = v
	}
	return ExecResult{Outputs: outputs, Cost: b.Cost, QualityScore: b.Quality}, nil
}

// Ping implements Pinger.
func (m *MockBackend) Ping(_ context.Context, tool string) error {
	if m.behavior(tool).Down {
		return fmt.Errorf("mock %s/%s is down", m.id, tool)
	}
	return nil
}
