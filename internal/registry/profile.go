package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
)

// Profile statuses.
const (
	ProfileBound    = "bound"
	ProfileExisting = "existing"
	ProfileProposed = "proposed"
	ProfileRejected = "rejected"
)

// ToolProfile is what the registry knows or inferred about one tool.
type ToolProfile struct {
	RouteID    string           `json:"route_id"`
	Capability string           `json:"capability"`
	Classified bool             `json:"classified"`
	Confidence float64          `json:"confidence"`
	Matched    []string         `json:"matched,omitempty"`
	Status     string           `json:"status"`
	Healthy    bool             `json:"healthy"`
	Learning   *ledger.Learning `json:"learning,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// ProfileReport summarises a profiling pass.
type ProfileReport struct {
	Tools        []ToolProfile  `json:"tools"`
	Bound        int            `json:"bound"`
	Existing     int            `json:"existing"`
	Capabilities map[string]int `json:"capabilities"`
}

// ProfileTools classifies tools lacking a capability, binds the ones not yet
// routed when bind is set, and reports learning stats for known routes.
func (r *Registry) ProfileTools(ctx context.Context, tools []ToolSpec, bind bool) (ProfileReport, error) {
	report := ProfileReport{Capabilities: make(map[string]int)}

	for _, tool := range tools {
		profile := ToolProfile{RouteID: RouteID(tool.BackendID, tool.ToolName)}

		profile.Capability = tool.Capability
		profile.Confidence = 0.8
		if tool.Confidence != nil {
			profile.Confidence = *tool.Confidence
		}
		if profile.Capability == "" {
			cls, err := r.classifier.Classify(ctx, strings.Join([]string{tool.ToolName, tool.Description}, " "))
			if err != nil {
				return ProfileReport{}, fmt.Errorf("classify %s: %w", profile.RouteID, err)
			}
			profile.Capability = cls.Capability
			profile.Classified = true
			profile.Matched = cls.Matched
			if tool.Confidence == nil {
				profile.Confidence = cls.Confidence
			}
		}

		existing, err := r.store.GetRoute(ctx, profile.RouteID)
		switch {
		case err == nil:
			profile.Status = ProfileExisting
			profile.Capability = existing.Capability
			profile.Healthy = existing.Healthy
			if learning, lerr := r.store.GetLearning(ctx, existing.ID); lerr == nil {
				profile.Learning = &learning
			}
			report.Existing++
		case !errors.Is(err, ledger.ErrNotFound):
			return ProfileReport{}, err
		case !bind:
			profile.Status = ProfileProposed
		default:
			weights := ledger.Weights{}
			if tool.Weights != nil {
				weights = *tool.Weights
			}
			route, err := r.BindCapability(ctx, BindRequest{
				Capability: profile.Capability,
				BackendID:  tool.BackendID,
				ToolName:   tool.ToolName,
				Confidence: profile.Confidence,
				Policy:     tool.Policy,
				Weights:    weights,
			})
			if err != nil {
				profile.Status = ProfileRejected
				profile.Error = err.Error()
				r.logger.Warn("profile bind failed", zap.String("route_id", profile.RouteID), zap.Error(err))
				break
			}
			profile.Status = ProfileBound
			profile.Healthy = route.Healthy
			report.Bound++
		}

		report.Capabilities[profile.Capability]++
		report.Tools = append(report.Tools, profile)
	}
	return report, nil
}
