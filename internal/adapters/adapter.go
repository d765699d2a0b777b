package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"routeforge/internal/ledger"
)

// ErrUnknownBackend is returned when a route names a backend that is not registered.
var ErrUnknownBackend = errors.New("unknown backend")

// Backend performs the side-effecting work behind a route.
type Backend interface {
	ID() string
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// Pinger is implemented by backends that can report tool availability.
type Pinger interface {
	Ping(ctx context.Context, toolName string) error
}

// ExecRequest is one step execution handed to a backend.
type ExecRequest struct {
	RouteID    string            `json:"route_id"`
	BackendID  string            `json:"backend_id"`
	ToolName   string            `json:"tool_name"`
	Capability string            `json:"capability"`
	PlanID     string            `json:"plan_id"`
	StepID     string            `json:"step_id"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	// Expect lists output keys the step's acceptance contract requires.
	Expect  []string      `json:"expect,omitempty"`
	Timeout time.Duration `json:"-"`
}

// ExecResult is a backend's answer.
type ExecResult struct {
	Outputs      map[string]any `json:"outputs"`
	Cost         float64        `json:"cost"`
	QualityScore float64        `json:"quality_score"`
}

// Set resolves backends by id.
type Set struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewSet registers the given backends.
func NewSet(backends ...Backend) *Set {
	s := &Set{backends: make(map[string]Backend)}
	for _, b := range backends {
		s.Register(b)
	}
	return s
}

// Register adds or replaces a backend.
func (s *Set) Register(b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[b.ID()] = b
}

// Resolve returns the backend with the given id.
func (s *Set) Resolve(id string) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return b, nil
}

// IDs lists registered backend ids in sorted order.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.backends))
	for id := range s.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckRoute reports whether a route's backend is registered and, when the
// backend supports it, whether its tool answers a ping.
func (s *Set) CheckRoute(ctx context.Context, route ledger.Route) error {
	b, err := s.Resolve(route.BackendID)
	if err != nil {
		return err
	}
	if p, ok := b.(Pinger); ok {
		return p.Ping(ctx, route.ToolName)
	}
	return nil
}
