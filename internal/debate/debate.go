// Package debate adjudicates between competing candidate positions with a
// multi-round, evidence-weighted debate.
package debate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"routeforge/internal/metrics"
)

// ErrNoCandidates is returned when Judge is called without candidates.
var ErrNoCandidates = errors.New("no candidates to judge")

// Candidate is one position under debate.
type Candidate struct {
	ID             string   `json:"id"`
	Position       string   `json:"position"`
	Rationale      []string `json:"rationale,omitempty"`
	Confidence     float64  `json:"confidence"`
	CostEstimate   float64  `json:"cost_estimate"`
	RiskAssessment float64  `json:"risk_assessment"`
	Citations      []string `json:"citations,omitempty"`
}

// Evidence is one item of the shared evidence pool.
type Evidence struct {
	Citation    string  `json:"citation"`
	Text        string  `json:"text,omitempty"`
	Reliability float64 `json:"reliability"`
}

// Config holds the debate thresholds and weights.
type Config struct {
	Rounds int `koanf:"rounds" json:"rounds"`

	CostWeight     float64 `koanf:"cost_weight" json:"cost_weight"`
	RiskWeight     float64 `koanf:"risk_weight" json:"risk_weight"`
	SupportWeight  float64 `koanf:"support_weight" json:"support_weight"`
	UncitedSupport float64 `koanf:"uncited_support" json:"uncited_support"`

	StrongConfidence float64 `koanf:"strong_confidence" json:"strong_confidence"`
	CheapCost        float64 `koanf:"cheap_cost" json:"cheap_cost"`
	LowRisk          float64 `koanf:"low_risk" json:"low_risk"`
	ManyCitations    int     `koanf:"many_citations" json:"many_citations"`
	LongRationale    int     `koanf:"long_rationale" json:"long_rationale"`

	StrengthBonus    float64 `koanf:"strength_bonus" json:"strength_bonus"`
	EvidenceBonus    float64 `koanf:"evidence_bonus" json:"evidence_bonus"`
	NoveltyBonus     float64 `koanf:"novelty_bonus" json:"novelty_bonus"`
	MaxNoveltyClaims int     `koanf:"max_novelty_claims" json:"max_novelty_claims"`

	MinorityThreshold float64 `koanf:"minority_threshold" json:"minority_threshold"`
	MaxMinority       int     `koanf:"max_minority" json:"max_minority"`
}

// DefaultConfig returns the stock debate configuration.
func DefaultConfig() Config {
	return Config{
		Rounds:            3,
		CostWeight:        0.1,
		RiskWeight:        0.2,
		SupportWeight:     0.3,
		UncitedSupport:    0.1,
		StrongConfidence:  0.8,
		CheapCost:         5,
		LowRisk:           0.3,
		ManyCitations:     2,
		LongRationale:     3,
		StrengthBonus:     0.02,
		EvidenceBonus:     0.01,
		NoveltyBonus:      0.03,
		MaxNoveltyClaims:  3,
		MinorityThreshold: 0.3,
		MaxMinority:       2,
	}
}

// Argument is one advocate's contribution in one round.
type Argument struct {
	CandidateID   string   `json:"candidate_id"`
	Strengths     []string `json:"strengths"`
	Critiques     []string `json:"critiques"`
	NoveltyClaims []string `json:"novelty_claims"`
	EvidenceItems int      `json:"evidence_items"`
	Delta         float64  `json:"delta"`
	Score         float64  `json:"score"`
}

// Round records the arguments of one round.
type Round struct {
	Number    int        `json:"number"`
	Arguments []Argument `json:"arguments"`
}

// Opinion is a runner-up position kept for the record.
type Opinion struct {
	CandidateID string  `json:"candidate_id"`
	Position    string  `json:"position"`
	Score       float64 `json:"score"`
}

// Verdict is the outcome of a debate.
type Verdict struct {
	Winner           Candidate          `json:"winner"`
	Scores           map[string]float64 `json:"scores"`
	InitialScores    map[string]float64 `json:"initial_scores"`
	Confidence       float64            `json:"confidence"`
	ScoreGap         float64            `json:"score_gap"`
	ConsensusScore   float64            `json:"consensus_score"`
	DebateRounds     int                `json:"debate_rounds"`
	Rationale        []string           `json:"rationale"`
	MinorityOpinions []Opinion          `json:"minority_opinions"`
	Transcript       []Round            `json:"transcript,omitempty"`
}

// Judge runs debates.
type Judge struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a judge. A zero Config selects DefaultConfig.
func New(cfg Config, logger *zap.Logger) *Judge {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg == (Config{}) {
		cfg = def
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = def.Rounds
	}
	if cfg.MaxNoveltyClaims <= 0 {
		cfg.MaxNoveltyClaims = def.MaxNoveltyClaims
	}
	if cfg.MaxMinority <= 0 {
		cfg.MaxMinority = def.MaxMinority
	}
	return &Judge{cfg: cfg, logger: logger}
}

// Config returns the judge's configuration.
func (j *Judge) Config() Config {
	return j.cfg
}

// Judge picks a winner among candidates. Rounds run sequentially; the
// advocates of one round argue concurrently against the previous round's scores.
func (j *Judge) Judge(ctx context.Context, candidates []Candidate, pool []Evidence) (Verdict, error) {
	switch len(candidates) {
	case 0:
		return Verdict{}, ErrNoCandidates
	case 1:
		c := candidates[0]
		score := clamp01(j.initialScore(c, pool))
		return Verdict{
			Winner:         c,
			Scores:         map[string]float64{c.ID: score},
			InitialScores:  map[string]float64{c.ID: score},
			Confidence:     1.0,
			ConsensusScore: 1.0,
			Rationale:      append(append([]string(nil), c.Rationale...), "uncontested: single candidate"),
		}, nil
	}

	ids := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if ids[c.ID] {
			return Verdict{}, fmt.Errorf("duplicate candidate id %q", c.ID)
		}
		ids[c.ID] = true
	}

	scores := make([]float64, len(candidates))
	initial := make(map[string]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = clamp01(j.initialScore(c, pool))
		initial[c.ID] = scores[i]
	}
	keywords := make([]map[string]struct{}, len(candidates))
	for i, c := range candidates {
		keywords[i] = keywordSet(c.Position + " " + strings.Join(c.Rationale, " "))
	}

	var transcript []Round
	for r := 1; r <= j.cfg.Rounds; r++ {
		args := make([]Argument, len(candidates))
		g, gctx := errgroup.WithContext(ctx)
		for i := range candidates {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				args[i] = j.advocate(i, candidates, keywords, pool)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Verdict{}, fmt.Errorf("debate round %d: %w", r, err)
		}
		for i := range args {
			scores[i] = clamp01(scores[i] + args[i].Delta)
			args[i].Score = scores[i]
		}
		transcript = append(transcript, Round{Number: r, Arguments: args})
	}
	metrics.DebateRounds.Observe(float64(j.cfg.Rounds))

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return candidates[order[a]].ID < candidates[order[b]].ID
	})

	top, second := order[0], order[1]
	gap := scores[top] - scores[second]
	consensus := math.Min(1, 2*gap)
	winner := candidates[top]

	v := Verdict{
		Winner:         winner,
		Scores:         make(map[string]float64, len(candidates)),
		InitialScores:  initial,
		ScoreGap:       gap,
		ConsensusScore: consensus,
		Confidence:     (scores[top] + gap + consensus) / 3,
		DebateRounds:   j.cfg.Rounds,
		Transcript:     transcript,
	}
	for i, c := range candidates {
		v.Scores[c.ID] = scores[i]
	}

	v.Rationale = append(v.Rationale, winner.Rationale...)
	last := transcript[len(transcript)-1].Arguments[top]
	if len(last.Strengths) > 0 {
		v.Rationale = append(v.Rationale, "debate support: "+strings.Join(last.Strengths, "; "))
	}
	if len(last.NoveltyClaims) > 0 {
		v.Rationale = append(v.Rationale, "distinct considerations: "+strings.Join(last.NoveltyClaims, ", "))
	}
	v.Rationale = append(v.Rationale, fmt.Sprintf("prevailed after %d debate rounds against %d alternative(s)", j.cfg.Rounds, len(candidates)-1))

	for _, idx := range order[1:] {
		if len(v.MinorityOpinions) == j.cfg.MaxMinority {
			break
		}
		if scores[idx] > j.cfg.MinorityThreshold {
			v.MinorityOpinions = append(v.MinorityOpinions, Opinion{
				CandidateID: candidates[idx].ID,
				Position:    candidates[idx].Position,
				Score:       scores[idx],
			})
		}
	}

	j.logger.Debug("debate judged",
		zap.String("winner", winner.ID),
		zap.Float64("score", scores[top]),
		zap.Float64("gap", gap),
		zap.Float64("confidence", v.Confidence),
	)
	return v, nil
}

func (j *Judge) initialScore(c Candidate, pool []Evidence) float64 {
	support, _ := j.evidenceSupport(c, pool)
	return c.Confidence - j.cfg.CostWeight*c.CostEstimate - j.cfg.RiskWeight*c.RiskAssessment + j.cfg.SupportWeight*support
}

// evidenceSupport is the reliability-weighted share of a candidate's
// citations found in the pool, and the number of matched citations.
func (j *Judge) evidenceSupport(c Candidate, pool []Evidence) (float64, int) {
	if len(c.Citations) == 0 {
		return j.cfg.UncitedSupport, 0
	}
	reliability := make(map[string]float64, len(pool))
	for _, e := range pool {
		if r, ok := reliability[e.Citation]; !ok || e.Reliability > r {
			reliability[e.Citation] = e.Reliability
		}
	}
	total, matched := 0.0, 0
	for _, cite := range c.Citations {
		if r, ok := reliability[cite]; ok {
			total += r
			matched++
		}
	}
	return total / float64(len(c.Citations)), matched
}

func (j *Judge) advocate(self int, candidates []Candidate, keywords []map[string]struct{}, pool []Evidence) Argument {
	c := candidates[self]
	arg := Argument{CandidateID: c.ID}

	arg.Strengths = j.assess(c, true)
	for i, opp := range candidates {
		if i == self {
			continue
		}
		for _, weakness := range j.assess(opp, false) {
			arg.Critiques = append(arg.Critiques, opp.ID+": "+weakness)
		}
	}

	var novel []string
	for kw := range keywords[self] {
		shared := false
		for i := range candidates {
			if i == self {
				continue
			}
			if _, ok := keywords[i][kw]; ok {
				shared = true
				break
			}
		}
		if !shared {
			novel = append(novel, kw)
		}
	}
	sort.Strings(novel)
	if len(novel) > j.cfg.MaxNoveltyClaims {
		novel = novel[:j.cfg.MaxNoveltyClaims]
	}
	arg.NoveltyClaims = novel

	_, arg.EvidenceItems = j.evidenceSupport(c, pool)
	arg.Delta = j.cfg.StrengthBonus*float64(len(arg.Strengths)) +
		j.cfg.EvidenceBonus*float64(arg.EvidenceItems) +
		j.cfg.NoveltyBonus*float64(len(arg.NoveltyClaims))
	return arg
}

// assess lists the rule-based strengths of a candidate, or its weaknesses
// when strengths is false.
func (j *Judge) assess(c Candidate, strengths bool) []string {
	checks := []struct {
		ok       bool
		strength string
		weakness string
	}{
		{c.Confidence > j.cfg.StrongConfidence, "high confidence", "confidence not above threshold"},
		{c.CostEstimate < j.cfg.CheapCost, "low cost", "high cost"},
		{c.RiskAssessment < j.cfg.LowRisk, "low risk", "elevated risk"},
		{len(c.Citations) > j.cfg.ManyCitations, "well cited", "thin citations"},
		{len(c.Rationale) > j.cfg.LongRationale, "thorough rationale", "sparse rationale"},
	}
	var out []string
	for _, chk := range checks {
		switch {
		case strengths && chk.ok:
			out = append(out, chk.strength)
		case !strengths && !chk.ok:
			out = append(out, chk.weakness)
		}
	}
	return out
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "for": {}, "with": {}, "is": {}, "via": {}, "by": {}, "it": {}, "be": {},
}

func keywordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) < 3 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
