// Package registry binds capabilities to concrete backend routes and tracks
// their health.
package registry

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
	"routeforge/internal/router"
)

// Store is the ledger surface the registry needs.
type Store interface {
	InsertRoute(ctx context.Context, route ledger.Route) (ledger.Route, error)
	GetRoute(ctx context.Context, id string) (ledger.Route, error)
	ListRoutes(ctx context.Context, capability string) ([]ledger.Route, error)
	SetRouteHealth(ctx context.Context, id string, healthy bool) (bool, error)
	GetLearning(ctx context.Context, routeID string) (ledger.Learning, error)
	ListLearning(ctx context.Context) (map[string]ledger.Learning, error)
	AppendEvent(ctx context.Context, source, kind string, payload any) error
}

// Registry maps capabilities to routes.
type Registry struct {
	store      Store
	classifier CapabilityClassifier
	logger     *zap.Logger
}

// New creates a registry. A nil classifier selects the rule-based default.
func New(store Store, classifier CapabilityClassifier, logger *zap.Logger) *Registry {
	if classifier == nil {
		classifier = NewRuleClassifier(DefaultRules())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, classifier: classifier, logger: logger}
}

// Classifier returns the capability classifier in use.
func (r *Registry) Classifier() CapabilityClassifier {
	return r.classifier
}

// RouteID derives the route id of a backend/tool pair.
func RouteID(backendID, toolName string) string {
	return backendID + "/" + toolName
}

// BindRequest describes a new capability binding.
type BindRequest struct {
	Capability string             `json:"capability"`
	BackendID  string             `json:"backend_id"`
	ToolName   string             `json:"tool_name"`
	Confidence float64            `json:"confidence"`
	Policy     ledger.RoutePolicy `json:"policy"`
	Weights    ledger.Weights     `json:"weights"`
}

// Validate checks the request for required fields and ranges.
func (req BindRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(req.Capability) == "" {
		problems = append(problems, "capability is required")
	}
	if strings.TrimSpace(req.BackendID) == "" {
		problems = append(problems, "backend_id is required")
	}
	if strings.TrimSpace(req.ToolName) == "" {
		problems = append(problems, "tool_name is required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		problems = append(problems, "confidence must be within [0,1]")
	}
	weights := []struct {
		name  string
		value float64
	}{
		{"cost", req.Weights.Cost},
		{"latency", req.Weights.Latency},
		{"reliability", req.Weights.Reliability},
	}
	for _, w := range weights {
		if w.value < 0 || w.value > 1 {
			problems = append(problems, fmt.Sprintf("%s weight must be within [0,1]", w.name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid binding: %s", strings.Join(problems, "; "))
	}
	return nil
}

// BindCapability creates a route for a backend/tool pair. It fails with
// ledger.ErrRouteExists if the pair is already bound.
func (r *Registry) BindCapability(ctx context.Context, req BindRequest) (ledger.Route, error) {
	if err := req.Validate(); err != nil {
		return ledger.Route{}, err
	}

	route, err := r.store.InsertRoute(ctx, ledger.Route{
		ID:         RouteID(req.BackendID, req.ToolName),
		Capability: req.Capability,
		BackendID:  req.BackendID,
		ToolName:   req.ToolName,
		Score:      req.Confidence,
		Policy:     req.Policy,
		Healthy:    true,
		Weights:    req.Weights,
	})
	if err != nil {
		return ledger.Route{}, fmt.Errorf("bind capability %s: %w", req.Capability, err)
	}

	if err := r.store.AppendEvent(ctx, "registry", "capability_bound", map[string]any{
		"route_id":   route.ID,
		"capability": route.Capability,
		"confidence": req.Confidence,
	}); err != nil {
		r.logger.Warn("record capability_bound event failed", zap.String("route_id", route.ID), zap.Error(err))
	}
	r.logger.Info("capability bound",
		zap.String("route_id", route.ID),
		zap.String("capability", route.Capability),
	)
	return route, nil
}

// GetRoutes returns every route of a capability, best score first, regardless
// of health.
func (r *Registry) GetRoutes(ctx context.Context, capability string) ([]ledger.Route, error) {
	return r.store.ListRoutes(ctx, capability)
}

// Candidates returns the routes of a capability joined with their learning rows.
func (r *Registry) Candidates(ctx context.Context, capability string) ([]router.Candidate, error) {
	routes, err := r.store.ListRoutes(ctx, capability)
	if err != nil {
		return nil, err
	}
	out := make([]router.Candidate, 0, len(routes))
	for _, route := range routes {
		learning, err := r.store.GetLearning(ctx, route.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, router.Candidate{Route: route, Learning: learning})
	}
	return out, nil
}

// UpdateRouteHealth sets a route's health flag and records the change.
func (r *Registry) UpdateRouteHealth(ctx context.Context, routeID string, healthy bool, reason string) error {
	changed, err := r.store.SetRouteHealth(ctx, routeID, healthy)
	if err != nil {
		return fmt.Errorf("update route health: %w", err)
	}
	if err := r.store.AppendEvent(ctx, "registry", "route_health_changed", map[string]any{
		"route_id": routeID,
		"healthy":  healthy,
		"changed":  changed,
		"reason":   reason,
	}); err != nil {
		r.logger.Warn("record route_health_changed event failed", zap.String("route_id", routeID), zap.Error(err))
	}
	if changed {
		r.logger.Info("route health changed",
			zap.String("route_id", routeID),
			zap.Bool("healthy", healthy),
			zap.String("reason", reason),
		)
	}
	return nil
}
