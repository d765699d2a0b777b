package router

import (
	"context"

	"go.uber.org/zap"
)

// Bandit is a contextual upper-confidence-bound router.
type Bandit struct {
	*base
	width float64
}

// NewBandit builds a UCB router.
func NewBandit(cfg Config, store LearningStore, logger *zap.Logger) *Bandit {
	return &Bandit{
		base:  newBase(StrategyUCB, cfg, store, logger),
		width: cfg.ConfidenceWidth,
	}
}

// Choose selects a route for req.
func (b *Bandit) Choose(_ context.Context, req Request) (Selection, error) {
	return b.choose(req, b.Rank)
}

// Rank scores every candidate as reward + width*confidence, scaled by the
// constraint penalty.
func (b *Bandit) Rank(req Request) []Scored {
	scored := make([]Scored, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		reward := b.policy.EstimatedReward(c.Learning)
		confidence := b.policy.Confidence(c.Learning, reward)
		penalty := b.policy.Penalty(c.Learning, req.Context)
		scored = append(scored, Scored{
			RouteID:    c.Route.ID,
			Healthy:    c.Route.Healthy,
			Reward:     reward,
			Confidence: confidence,
			Penalty:    penalty,
			Score:      (reward + b.width*confidence) * penalty,
			candidate:  c,
		})
	}
	sortScored(scored)
	return scored
}
