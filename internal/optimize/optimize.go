// Package optimize tunes route weights and the router's exploration rate from
// observed performance.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
	"routeforge/internal/metrics"
	"routeforge/internal/router"
)

// ExplorationRateKey is the KV key holding the persisted exploration rate.
const ExplorationRateKey = "router.exploration_rate"

// ErrUnknownTarget is returned for an unrecognised optimisation target.
var ErrUnknownTarget = errors.New("unknown optimization target")

// Target names a weight profile.
type Target string

const (
	TargetLatency     Target = "latency"
	TargetCost        Target = "cost"
	TargetReliability Target = "reliability"
	TargetBalanced    Target = "balanced"
)

// Profile returns the weight triple a target pulls routes toward.
func (t Target) Profile() (ledger.Weights, error) {
	switch t {
	case TargetLatency:
		return ledger.Weights{Cost: 0.2, Latency: 0.7, Reliability: 0.1}, nil
	case TargetCost:
		return ledger.Weights{Cost: 0.7, Latency: 0.2, Reliability: 0.1}, nil
	case TargetReliability:
		return ledger.Weights{Cost: 0.1, Latency: 0.2, Reliability: 0.7}, nil
	case TargetBalanced, "":
		return ledger.BalancedWeights(), nil
	default:
		return ledger.Weights{}, fmt.Errorf("%w %q", ErrUnknownTarget, string(t))
	}
}

// Store is the ledger surface the optimizer needs.
type Store interface {
	ListRoutes(ctx context.Context, capability string) ([]ledger.Route, error)
	ListLearning(ctx context.Context) (map[string]ledger.Learning, error)
	UpdateRouteWeights(ctx context.Context, id string, weights ledger.Weights, score float64) error
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
	AppendEvent(ctx context.Context, source, kind string, payload any) error
}

// RateTuner is the part of a router whose exploration rate is tuned.
type RateTuner interface {
	ExplorationRate() float64
	SetExplorationRate(rate float64)
}

// Config holds optimisation thresholds.
type Config struct {
	Target       Target  `koanf:"target"`
	LearningRate float64 `koanf:"learning_rate"`
	MinWeight    float64 `koanf:"min_weight"`
	MaxWeight    float64 `koanf:"max_weight"`
	// MinMove is how far some weight must move before a route is persisted.
	MinMove float64 `koanf:"min_move"`

	// Weight gates: a weight is only pushed up while the route underperforms
	// on that dimension.
	ReliabilityGate float64 `koanf:"reliability_gate"`
	LatencyGateMS   float64 `koanf:"latency_gate_ms"`
	CostGate        float64 `koanf:"cost_gate"`

	RaiseBelowSuccess float64 `koanf:"raise_below_success"`
	RaiseMinCalls     int64   `koanf:"raise_min_calls"`
	RaisedRate        float64 `koanf:"raised_rate"`
	LowerAboveSuccess float64 `koanf:"lower_above_success"`
	LowerMinCalls     int64   `koanf:"lower_min_calls"`
	LoweredRate       float64 `koanf:"lowered_rate"`

	LowSuccessRate  float64 `koanf:"low_success_rate"`
	MinCallsToJudge int64   `koanf:"min_calls_to_judge"`
}

// DefaultConfig returns optimizer defaults.
func DefaultConfig() Config {
	return Config{
		Target:            TargetBalanced,
		LearningRate:      0.2,
		MinWeight:         0.05,
		MaxWeight:         0.9,
		MinMove:           0.05,
		ReliabilityGate:   0.9,
		LatencyGateMS:     5000,
		CostGate:          1.0,
		RaiseBelowSuccess: 0.8,
		RaiseMinCalls:     100,
		RaisedRate:        0.2,
		LowerAboveSuccess: 0.95,
		LowerMinCalls:     500,
		LoweredRate:       0.05,
		LowSuccessRate:    0.8,
		MinCallsToJudge:   10,
	}
}

// Optimizer adjusts route weights and exploration.
type Optimizer struct {
	store  Store
	tuner  RateTuner
	policy router.Policy
	cfg    Config
	logger *zap.Logger
}

// New creates an Optimizer. policy supplies the latency and cost scales
// used to rescore routes.
func New(store Store, tuner RateTuner, policy router.Policy, cfg Config, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.MinWeight <= 0 {
		cfg.MinWeight = def.MinWeight
	}
	if cfg.MaxWeight <= 0 {
		cfg.MaxWeight = def.MaxWeight
	}
	if cfg.MinMove <= 0 {
		cfg.MinMove = def.MinMove
	}
	if cfg.ReliabilityGate <= 0 {
		cfg.ReliabilityGate = def.ReliabilityGate
	}
	if cfg.LatencyGateMS <= 0 {
		cfg.LatencyGateMS = def.LatencyGateMS
	}
	if cfg.CostGate <= 0 {
		cfg.CostGate = def.CostGate
	}
	if cfg.RaiseBelowSuccess <= 0 {
		cfg.RaiseBelowSuccess = def.RaiseBelowSuccess
	}
	if cfg.RaiseMinCalls <= 0 {
		cfg.RaiseMinCalls = def.RaiseMinCalls
	}
	if cfg.RaisedRate <= 0 {
		cfg.RaisedRate = def.RaisedRate
	}
	if cfg.LowerAboveSuccess <= 0 {
		cfg.LowerAboveSuccess = def.LowerAboveSuccess
	}
	if cfg.LowerMinCalls <= 0 {
		cfg.LowerMinCalls = def.LowerMinCalls
	}
	if cfg.LoweredRate <= 0 {
		cfg.LoweredRate = def.LoweredRate
	}
	if cfg.LowSuccessRate <= 0 {
		cfg.LowSuccessRate = def.LowSuccessRate
	}
	if cfg.MinCallsToJudge <= 0 {
		cfg.MinCallsToJudge = def.MinCallsToJudge
	}
	if policy.LatencyScaleMS <= 0 || policy.CostScale <= 0 {
		policy = router.DefaultPolicy()
	}
	return &Optimizer{store: store, tuner: tuner, policy: policy, cfg: cfg, logger: logger}
}

// RoutesRequest asks for a weight optimisation pass.
type RoutesRequest struct {
	Target       Target  `json:"target,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	Capability   string  `json:"capability,omitempty"`
	DryRun       bool    `json:"dry_run,omitempty"`
}

// Adjustment is the proposed or applied change to one route.
type Adjustment struct {
	RouteID   string         `json:"route_id"`
	Before    ledger.Weights `json:"before"`
	After     ledger.Weights `json:"after"`
	ScoreFrom float64        `json:"score_from"`
	ScoreTo   float64        `json:"score_to"`
	MaxDelta  float64        `json:"max_delta"`
	Applied   bool           `json:"applied"`
	Skipped   string         `json:"skipped,omitempty"`
}

// RoutesResult summarises an optimisation pass.
type RoutesResult struct {
	Target      Target       `json:"target"`
	Adjustments []Adjustment `json:"adjustments"`
	Applied     int          `json:"applied"`
	DryRun      bool         `json:"dry_run"`
}

// OptimizeRoutes nudges every route's weights toward the target profile,
// renormalises, clamps and persists routes whose weights moved enough.
func (o *Optimizer) OptimizeRoutes(ctx context.Context, req RoutesRequest) (RoutesResult, error) {
	target := req.Target
	if target == "" {
		target = o.cfg.Target
	}
	profile, err := target.Profile()
	if err != nil {
		return RoutesResult{}, err
	}
	lr := req.LearningRate
	if lr <= 0 {
		lr = o.cfg.LearningRate
	}
	if lr > 1 {
		return RoutesResult{}, fmt.Errorf("learning rate %.2f must be within (0,1]", lr)
	}

	routes, err := o.store.ListRoutes(ctx, req.Capability)
	if err != nil {
		return RoutesResult{}, err
	}
	learning, err := o.store.ListLearning(ctx)
	if err != nil {
		return RoutesResult{}, err
	}

	res := RoutesResult{Target: target, Adjustments: []Adjustment{}, DryRun: req.DryRun}
	for _, route := range routes {
		l := learning[route.ID]
		before := route.Weights
		if before.IsZero() {
			before = ledger.BalancedWeights()
		}
		adj := Adjustment{RouteID: route.ID, Before: before, After: before, ScoreFrom: route.Score, ScoreTo: route.Score}
		if l.TotalCount == 0 {
			adj.Skipped = "no execution history"
			res.Adjustments = append(res.Adjustments, adj)
			continue
		}

		adj.After = o.nudge(before, profile, l, lr)
		adj.MaxDelta = maxDelta(before, adj.After)
		adj.ScoreTo = o.RouteScore(adj.After, l)
		switch {
		case adj.MaxDelta <= o.cfg.MinMove:
			adj.Skipped = "change below threshold"
		case req.DryRun:
			adj.Skipped = "dry run"
		default:
			if err := o.store.UpdateRouteWeights(ctx, route.ID, adj.After, adj.ScoreTo); err != nil {
				return RoutesResult{}, err
			}
			adj.Applied = true
			res.Applied++
			metrics.WeightAdjustments.Inc()
		}
		res.Adjustments = append(res.Adjustments, adj)
	}

	if res.Applied > 0 {
		if err := o.store.AppendEvent(ctx, "optimizer", "routes_optimized", map[string]any{
			"target":        string(target),
			"learning_rate": lr,
			"capability":    req.Capability,
			"applied":       res.Applied,
		}); err != nil {
			o.logger.Warn("record routes_optimized event failed", zap.Error(err))
		}
	}
	o.logger.Info("routes optimized",
		zap.String("target", string(target)),
		zap.Int("routes", len(routes)),
		zap.Int("applied", res.Applied),
		zap.Bool("dry_run", req.DryRun),
	)
	return res, nil
}

// nudge moves each weight toward the profile. Raising a weight is gated on
// the route underperforming on that dimension; lowering is always allowed.
func (o *Optimizer) nudge(w, target ledger.Weights, l ledger.Learning, lr float64) ledger.Weights {
	step := func(current, goal float64, needed bool) float64 {
		if goal > current && !needed {
			return current
		}
		return current + lr*(goal-current)
	}
	next := ledger.Weights{
		Cost:        step(w.Cost, target.Cost, l.AvgCost > o.cfg.CostGate),
		Latency:     step(w.Latency, target.Latency, l.AvgLatencyMS > o.cfg.LatencyGateMS),
		Reliability: step(w.Reliability, target.Reliability, l.SuccessRate() < o.cfg.ReliabilityGate),
	}
	return o.normalize(next)
}

// normalize rescales to sum 1 and clamps each weight into [MinWeight, MaxWeight].
func (o *Optimizer) normalize(w ledger.Weights) ledger.Weights {
	sum := w.Cost + w.Latency + w.Reliability
	if sum <= 0 {
		return ledger.BalancedWeights()
	}
	clamp := func(v float64) float64 {
		return math.Min(o.cfg.MaxWeight, math.Max(o.cfg.MinWeight, v/sum))
	}
	return ledger.Weights{Cost: clamp(w.Cost), Latency: clamp(w.Latency), Reliability: clamp(w.Reliability)}
}

// RouteScore rates a route's history under a weight triple.
func (o *Optimizer) RouteScore(w ledger.Weights, l ledger.Learning) float64 {
	score := w.Cost*router.Normalize(l.AvgCost, o.policy.CostScale) +
		w.Latency*router.Normalize(l.AvgLatencyMS, o.policy.LatencyScaleMS) +
		w.Reliability*l.AvgReliability
	return math.Min(1, math.Max(0, score))
}

func maxDelta(a, b ledger.Weights) float64 {
	return math.Max(math.Abs(a.Cost-b.Cost), math.Max(math.Abs(a.Latency-b.Latency), math.Abs(a.Reliability-b.Reliability)))
}

// BanditRequest optionally forces an exploration rate.
type BanditRequest struct {
	ExplorationRate *float64 `json:"exploration_rate,omitempty"`
}

// BanditResult reports an exploration-rate tuning pass.
type BanditResult struct {
	Previous    float64 `json:"previous"`
	Current     float64 `json:"current"`
	Changed     bool    `json:"changed"`
	TotalCalls  int64   `json:"total_calls"`
	SuccessRate float64 `json:"success_rate"`
	Reason      string  `json:"reason"`
}

// TuneBandit raises exploration when the fleet underperforms and lowers it
// once performance is consistently high. An explicit rate wins.
func (o *Optimizer) TuneBandit(ctx context.Context, req BanditRequest) (BanditResult, error) {
	learning, err := o.store.ListLearning(ctx)
	if err != nil {
		return BanditResult{}, err
	}
	var total, success int64
	for _, l := range learning {
		total += l.TotalCount
		success += l.SuccessCount
	}
	res := BanditResult{Previous: o.tuner.ExplorationRate(), TotalCalls: total}
	if total > 0 {
		res.SuccessRate = float64(success) / float64(total)
	}
	res.Current, res.Reason = res.Previous, "performance within bounds"

	switch {
	case req.ExplorationRate != nil:
		rate := *req.ExplorationRate
		if rate < 0 || rate > 1 {
			return BanditResult{}, fmt.Errorf("exploration rate %.2f must be within [0,1]", rate)
		}
		res.Current, res.Reason = rate, "explicit rate"
	case total > o.cfg.RaiseMinCalls && res.SuccessRate < o.cfg.RaiseBelowSuccess:
		res.Current, res.Reason = o.cfg.RaisedRate, "low aggregate success rate"
	case total > o.cfg.LowerMinCalls && res.SuccessRate > o.cfg.LowerAboveSuccess:
		res.Current, res.Reason = o.cfg.LoweredRate, "high aggregate success rate"
	}
	res.Changed = res.Current != res.Previous
	if !res.Changed {
		return res, nil
	}

	o.tuner.SetExplorationRate(res.Current)
	if err := o.store.SetKV(ctx, ExplorationRateKey, strconv.FormatFloat(res.Current, 'f', -1, 64)); err != nil {
		return BanditResult{}, err
	}
	if err := o.store.AppendEvent(ctx, "optimizer", "bandit_tuned", map[string]any{
		"previous": res.Previous,
		"current":  res.Current,
		"reason":   res.Reason,
	}); err != nil {
		o.logger.Warn("record bandit_tuned event failed", zap.Error(err))
	}
	o.logger.Info("exploration rate tuned",
		zap.Float64("previous", res.Previous),
		zap.Float64("current", res.Current),
		zap.String("reason", res.Reason),
	)
	return res, nil
}

// RestoreExplorationRate applies a persisted exploration rate to the router.
// It reports whether one was found.
func (o *Optimizer) RestoreExplorationRate(ctx context.Context) (bool, error) {
	raw, err := o.store.GetKV(ctx, ExplorationRateKey)
	if err != nil || raw == "" {
		return false, err
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", ExplorationRateKey, err)
	}
	o.tuner.SetExplorationRate(rate)
	return true, nil
}

// sortedCapabilities returns the distinct capabilities of routes.
func sortedCapabilities(routes []ledger.Route) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range routes {
		if !seen[r.Capability] {
			seen[r.Capability] = true
			out = append(out, r.Capability)
		}
	}
	sort.Strings(out)
	return out
}
