package router

import (
	"context"
	"math"

	"go.uber.org/zap"
)

// Thompson samples each route's success probability from a Beta posterior.
type Thompson struct {
	*base
}

// NewThompson builds a Thompson sampling router.
func NewThompson(cfg Config, store LearningStore, logger *zap.Logger) *Thompson {
	return &Thompson{base: newBase(StrategyThompson, cfg, store, logger)}
}

// Choose selects the route with the highest posterior draw.
func (t *Thompson) Choose(_ context.Context, req Request) (Selection, error) {
	return t.choose(req, t.sample)
}

// Rank orders candidates by posterior mean, without sampling.
func (t *Thompson) Rank(req Request) []Scored {
	return t.score(req, func(alpha, beta float64) float64 {
		return alpha / (alpha + beta)
	})
}

func (t *Thompson) sample(req Request) []Scored {
	return t.score(req, func(alpha, beta float64) float64 {
		t.mu.Lock()
		defer t.mu.Unlock()
		x := gammaSample(t.rng.Float64, t.rng.NormFloat64, alpha)
		y := gammaSample(t.rng.Float64, t.rng.NormFloat64, beta)
		return x / (x + y)
	})
}

func (t *Thompson) score(req Request, draw func(alpha, beta float64) float64) []Scored {
	scored := make([]Scored, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		alpha := float64(c.Learning.SuccessCount) + 1
		beta := float64(c.Learning.TotalCount-c.Learning.SuccessCount) + 1
		reward := draw(alpha, beta)
		penalty := t.policy.Penalty(c.Learning, req.Context)
		scored = append(scored, Scored{
			RouteID:   c.Route.ID,
			Healthy:   c.Route.Healthy,
			Reward:    reward,
			Penalty:   penalty,
			Score:     reward * penalty,
			candidate: c,
		})
	}
	sortScored(scored)
	return scored
}

// gammaSample draws from Gamma(shape, 1) using Marsaglia and Tsang's method.
func gammaSample(uniform, normal func() float64, shape float64) float64 {
	if shape < 1 {
		return gammaSample(uniform, normal, shape+1) * math.Pow(uniform(), 1/shape)
	}
	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := normal()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := uniform()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
