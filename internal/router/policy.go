package router

import (
	"math"

	"routeforge/internal/ledger"
)

// Policy holds the reward and exploration heuristics shared by router
// implementations. Every field is overridable through configuration.
type Policy struct {
	SuccessWeight     float64 `koanf:"success_weight" json:"success_weight"`
	LatencyWeight     float64 `koanf:"latency_weight" json:"latency_weight"`
	CostWeight        float64 `koanf:"cost_weight" json:"cost_weight"`
	ReliabilityWeight float64 `koanf:"reliability_weight" json:"reliability_weight"`

	LatencyScaleMS float64 `koanf:"latency_scale_ms" json:"latency_scale_ms"`
	CostScale      float64 `koanf:"cost_scale" json:"cost_scale"`

	UnexploredReward float64 `koanf:"unexplored_reward" json:"unexplored_reward"`
	VolatilityFactor float64 `koanf:"volatility_factor" json:"volatility_factor"`

	CostPenalty        float64 `koanf:"cost_penalty" json:"cost_penalty"`
	LatencyPenalty     float64 `koanf:"latency_penalty" json:"latency_penalty"`
	ReliabilityPenalty float64 `koanf:"reliability_penalty" json:"reliability_penalty"`

	EMAAlpha         float64 `koanf:"ema_alpha" json:"ema_alpha"`
	SuccessThreshold float64 `koanf:"success_threshold" json:"success_threshold"`
	RadiusStep       float64 `koanf:"radius_step" json:"radius_step"`
	RadiusDecay      float64 `koanf:"radius_decay" json:"radius_decay"`
	RadiusFloor      float64 `koanf:"radius_floor" json:"radius_floor"`
}

// DefaultPolicy returns the stock reward heuristics.
func DefaultPolicy() Policy {
	return Policy{
		SuccessWeight:      0.4,
		LatencyWeight:      0.2,
		CostWeight:         0.2,
		ReliabilityWeight:  0.2,
		LatencyScaleMS:     60000,
		CostScale:          10,
		UnexploredReward:   1.0,
		VolatilityFactor:   0.1,
		CostPenalty:        0.1,
		LatencyPenalty:     0.3,
		ReliabilityPenalty: 0.2,
		EMAAlpha:           0.1,
		SuccessThreshold:   0.5,
		RadiusStep:         0.01,
		RadiusDecay:        0.001,
		RadiusFloor:        0.1,
	}
}

// Normalize maps a non-negative quantity onto [0,1], 1 being best.
func Normalize(value, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	return math.Max(0, 1-value/scale)
}

// EstimatedReward is the expected reward of a route from its learning history.
func (p Policy) EstimatedReward(l ledger.Learning) float64 {
	if l.TotalCount == 0 {
		return p.UnexploredReward
	}
	return p.SuccessWeight*l.SuccessRate() +
		p.LatencyWeight*Normalize(l.AvgLatencyMS, p.LatencyScaleMS) +
		p.CostWeight*Normalize(l.AvgCost, p.CostScale) +
		p.ReliabilityWeight*l.AvgReliability
}

// Confidence is the exploration bonus: statistical uncertainty plus recent volatility.
func (p Policy) Confidence(l ledger.Learning, reward float64) float64 {
	n := float64(l.TotalCount)
	return math.Sqrt(2*math.Log(n+1)/math.Max(1, n)) + p.VolatilityFactor*math.Abs(reward-l.LastReward)
}

// Penalty multiplies a score down for each context constraint the route's
// projected performance violates. Routes without history are not penalised.
func (p Policy) Penalty(l ledger.Learning, sctx SelectionContext) float64 {
	if l.TotalCount == 0 {
		return 1
	}
	penalty := 1.0
	if sctx.CostBudget > 0 && l.AvgCost > sctx.CostBudget {
		penalty *= p.CostPenalty
	}
	if sctx.LatencyRequirementMS > 0 && l.AvgLatencyMS > sctx.LatencyRequirementMS {
		penalty *= p.LatencyPenalty
	}
	if sctx.ReliabilityRequirement > 0 && l.AvgReliability < sctx.ReliabilityRequirement {
		penalty *= p.ReliabilityPenalty
	}
	return penalty
}

// Reward turns one observed outcome into a scalar in [0,1].
func (p Policy) Reward(m Metrics) float64 {
	r := p.SuccessWeight*m.Success +
		p.LatencyWeight*Normalize(m.LatencyMS, p.LatencyScaleMS) +
		p.CostWeight*Normalize(m.Cost, p.CostScale) +
		p.ReliabilityWeight*m.Reliability
	return clamp01(r)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
