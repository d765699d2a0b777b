// Package router selects a route for a capability from live learning statistics
// and folds execution outcomes back into those statistics.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
	"routeforge/internal/metrics"
)

// ErrNoRouteAvailable is returned when a capability has no candidate routes.
var ErrNoRouteAvailable = errors.New("no route available")

// Strategy names accepted by New.
const (
	StrategyUCB      = "ucb"
	StrategyThompson = "thompson"
)

// DefaultExplorationRate is the probability of exploring when none is configured.
const DefaultExplorationRate = 0.1

// Reason explains why a route was chosen.
type Reason string

const (
	ReasonExploit  Reason = "exploit"
	ReasonExplore  Reason = "explore"
	ReasonDegraded Reason = "degraded"
)

// SelectionContext carries per-request constraints. Zero fields are unconstrained.
type SelectionContext struct {
	CostBudget             float64           `json:"cost_budget,omitempty"`
	LatencyRequirementMS   float64           `json:"latency_requirement_ms,omitempty"`
	ReliabilityRequirement float64           `json:"reliability_requirement,omitempty"`
	Features               map[string]string `json:"features,omitempty"`
}

// Candidate is a route together with its learning row.
type Candidate struct {
	Route    ledger.Route
	Learning ledger.Learning
}

// Request asks a router to pick one of the candidates.
type Request struct {
	Capability string
	Candidates []Candidate
	Context    SelectionContext
	// Explore overrides the router's exploration rate when non-nil.
	Explore *float64
}

// Scored is one candidate's score breakdown.
type Scored struct {
	RouteID    string  `json:"route_id"`
	Healthy    bool    `json:"healthy"`
	Reward     float64 `json:"reward"`
	Confidence float64 `json:"confidence"`
	Penalty    float64 `json:"penalty"`
	Score      float64 `json:"score"`

	candidate Candidate
}

// Candidate returns the candidate this score belongs to.
func (s Scored) Candidate() Candidate {
	return s.candidate
}

// Selection is the outcome of Choose.
type Selection struct {
	Route    ledger.Route    `json:"route"`
	Learning ledger.Learning `json:"learning"`
	Reason   Reason          `json:"reason"`
	Score    float64         `json:"score"`
	Ranking  []Scored        `json:"ranking"`
}

// Metrics is one observed execution outcome.
type Metrics struct {
	Success     float64 `json:"success"`
	LatencyMS   float64 `json:"latency_ms"`
	Cost        float64 `json:"cost"`
	Reliability float64 `json:"reliability"`
}

// RewardUpdate reports the learning row after an update.
type RewardUpdate struct {
	RouteID  string          `json:"route_id"`
	Reward   float64         `json:"reward"`
	Learning ledger.Learning `json:"learning"`
}

// LearningStore persists learning rows atomically.
type LearningStore interface {
	UpdateLearning(ctx context.Context, routeID, source string, fn ledger.LearningMutator) (ledger.Learning, error)
}

// Router picks routes and learns from outcomes.
type Router interface {
	Name() string
	Choose(ctx context.Context, req Request) (Selection, error)
	// Rank scores every candidate without exploration, best first.
	Rank(req Request) []Scored
	UpdateReward(ctx context.Context, routeID string, m Metrics) (RewardUpdate, error)
	ExplorationRate() float64
	SetExplorationRate(rate float64)
}

// Config selects and parameterises a router implementation.
type Config struct {
	Strategy        string  `koanf:"strategy"`
	ExplorationRate float64 `koanf:"exploration_rate"`
	ConfidenceWidth float64 `koanf:"confidence_width"`
	Seed            uint64  `koanf:"seed"`
	Policy          Policy  `koanf:"policy"`
}

// DefaultConfig returns a UCB router configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:        StrategyUCB,
		ExplorationRate: DefaultExplorationRate,
		ConfidenceWidth: 1.0,
		Policy:          DefaultPolicy(),
	}
}

// New builds the router named by cfg.Strategy.
func New(cfg Config, store LearningStore, logger *zap.Logger) (Router, error) {
	switch cfg.Strategy {
	case "", StrategyUCB:
		return NewBandit(cfg, store, logger), nil
	case StrategyThompson:
		return NewThompson(cfg, store, logger), nil
	default:
		return nil, fmt.Errorf("unknown router strategy %q", cfg.Strategy)
	}
}

// base carries state shared by router implementations.
type base struct {
	name   string
	policy Policy
	store  LearningStore
	logger *zap.Logger
	locks  *routeLocks

	mu      sync.Mutex
	rng     *rand.Rand
	explore float64
	now     func() time.Time
}

func newBase(name string, cfg Config, store LearningStore, logger *zap.Logger) *base {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	b := &base{
		name:    name,
		policy:  cfg.Policy,
		store:   store,
		logger:  logger,
		locks:   newRouteLocks(),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		explore: cfg.ExplorationRate,
		now:     time.Now,
	}
	metrics.ExplorationRate.Set(b.explore)
	return b
}

func (b *base) Name() string { return b.name }

func (b *base) ExplorationRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.explore
}

func (b *base) SetExplorationRate(rate float64) {
	b.mu.Lock()
	b.explore = clamp01(rate)
	current := b.explore
	b.mu.Unlock()
	metrics.ExplorationRate.Set(current)
}

func (b *base) uniform() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64()
}

func (b *base) intN(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.IntN(n)
}

// choose applies the selection procedure common to all routers: degraded
// fallback when nothing is healthy, uniform exploration, then best score.
func (b *base) choose(req Request, scoreAll func(Request) []Scored) (Selection, error) {
	if len(req.Candidates) == 0 {
		return Selection{}, fmt.Errorf("capability %q: %w", req.Capability, ErrNoRouteAvailable)
	}

	ranking := scoreAll(req)
	var healthy []Scored
	for _, s := range ranking {
		if s.Healthy {
			healthy = append(healthy, s)
		}
	}

	var picked Scored
	var reason Reason
	switch {
	case len(healthy) == 0:
		picked, reason = ranking[0], ReasonDegraded
	default:
		rate := b.ExplorationRate()
		if req.Explore != nil {
			rate = *req.Explore
		}
		if rate > 0 && b.uniform() < rate {
			picked, reason = healthy[b.intN(len(healthy))], ReasonExplore
		} else {
			picked, reason = healthy[0], ReasonExploit
		}
	}

	metrics.RouteSelections.WithLabelValues(b.name, string(reason)).Inc()
	b.logger.Debug("route chosen",
		zap.String("capability", req.Capability),
		zap.String("route_id", picked.RouteID),
		zap.String("reason", string(reason)),
		zap.Float64("score", picked.Score),
	)

	return Selection{
		Route:    picked.candidate.Route,
		Learning: picked.candidate.Learning,
		Reason:   reason,
		Score:    picked.Score,
		Ranking:  ranking,
	}, nil
}

// UpdateReward folds one outcome into a route's learning row.
func (b *base) UpdateReward(ctx context.Context, routeID string, m Metrics) (RewardUpdate, error) {
	unlock := b.locks.lock(routeID)
	defer unlock()

	reward := b.policy.Reward(m)
	now := b.now().UTC()
	learning, err := b.store.UpdateLearning(ctx, routeID, "router", func(l *ledger.Learning) (any, error) {
		applyReward(b.policy, l, m, reward, now)
		return map[string]any{
			"route_id":    routeID,
			"router":      b.name,
			"reward":      reward,
			"success":     m.Success,
			"latency_ms":  m.LatencyMS,
			"cost":        m.Cost,
			"reliability": m.Reliability,
			"total_count": l.TotalCount,
		}, nil
	})
	if err != nil {
		return RewardUpdate{}, fmt.Errorf("update reward for %s: %w", routeID, err)
	}

	outcome := "failure"
	if m.Success > b.policy.SuccessThreshold {
		outcome = "success"
	}
	metrics.RewardUpdates.WithLabelValues(outcome).Inc()

	return RewardUpdate{RouteID: routeID, Reward: reward, Learning: learning}, nil
}

func applyReward(p Policy, l *ledger.Learning, m Metrics, reward float64, now time.Time) {
	if l.TotalCount == 0 {
		l.AvgLatencyMS = m.LatencyMS
		l.AvgCost = m.Cost
		l.AvgReliability = m.Reliability
	} else {
		l.AvgLatencyMS = ema(l.AvgLatencyMS, m.LatencyMS, p.EMAAlpha)
		l.AvgCost = ema(l.AvgCost, m.Cost, p.EMAAlpha)
		l.AvgReliability = ema(l.AvgReliability, m.Reliability, p.EMAAlpha)
	}

	delta := math.Abs(reward - l.LastReward)
	l.ConfidenceRadius = math.Max(p.RadiusFloor, l.ConfidenceRadius+p.RadiusStep*delta-p.RadiusDecay)
	l.LastReward = reward

	l.TotalCount++
	if m.Success > p.SuccessThreshold {
		l.SuccessCount++
		l.LastSuccessAt = &now
	} else {
		l.LastFailureAt = &now
	}
}

func ema(current, observed, alpha float64) float64 {
	return alpha*observed + (1-alpha)*current
}

// sortScored orders by score descending, then route id ascending.
func sortScored(scored []Scored) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].RouteID < scored[j].RouteID
	})
}

type routeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRouteLocks() *routeLocks {
	return &routeLocks{locks: make(map[string]*sync.Mutex)}
}

func (r *routeLocks) lock(routeID string) func() {
	r.mu.Lock()
	l, ok := r.locks[routeID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[routeID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}
