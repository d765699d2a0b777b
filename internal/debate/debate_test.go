package debate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJudgeSingleCandidate(t *testing.T) {
	j := New(Config{}, nil)
	v, err := j.Judge(context.Background(), []Candidate{{ID: "only", Confidence: 0.4}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "only", v.Winner.ID)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, 0, v.DebateRounds)
	assert.Empty(t, v.Transcript)
}

func TestJudgeNoCandidates(t *testing.T) {
	_, err := New(Config{}, nil).Judge(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestJudgeHandComputed(t *testing.T) {
	j := New(DefaultConfig(), nil)
	candidates := []Candidate{
		{
			ID:             "managed",
			Position:       "use managed postgres",
			Rationale:      []string{"fast", "proven"},
			Confidence:     0.7,
			CostEstimate:   1,
			RiskAssessment: 0.1,
			Citations:      []string{"doc/a"},
		},
		{
			ID:             "selfhost",
			Position:       "self host postgres",
			Confidence:     0.6,
			CostEstimate:   6,
			RiskAssessment: 0.5,
		},
	}
	pool := []Evidence{{Citation: "doc/a", Reliability: 0.8}}

	v, err := j.Judge(context.Background(), candidates, pool)
	require.NoError(t, err)

	assert.InDelta(t, 0.82, v.InitialScores["managed"], 1e-9)
	assert.Equal(t, 0.0, v.InitialScores["selfhost"])

	require.Len(t, v.Transcript, 3)
	first := v.Transcript[0].Arguments[0]
	assert.Equal(t, []string{"low cost", "low risk"}, first.Strengths)
	assert.Equal(t, []string{"fast", "managed", "proven"}, first.NoveltyClaims)
	assert.Equal(t, 1, first.EvidenceItems)
	assert.InDelta(t, 0.14, first.Delta, 1e-9)
	assert.Contains(t, first.Critiques, "selfhost: high cost")

	assert.Equal(t, "managed", v.Winner.ID)
	assert.Equal(t, 1.0, v.Scores["managed"])
	assert.InDelta(t, 0.18, v.Scores["selfhost"], 1e-9)
	assert.InDelta(t, 0.82, v.ScoreGap, 1e-9)
	assert.Equal(t, 1.0, v.ConsensusScore)
	assert.InDelta(t, (1.0+0.82+1.0)/3, v.Confidence, 1e-9)
	assert.Equal(t, 3, v.DebateRounds)
	assert.Empty(t, v.MinorityOpinions)
	assert.Contains(t, v.Rationale, "fast")
}

func TestJudgeTieBreaksByID(t *testing.T) {
	same := Candidate{Position: "same plan", Confidence: 0.5, CostEstimate: 1, RiskAssessment: 0.1}
	b, a := same, same
	b.ID, a.ID = "b", "a"

	v, err := New(Config{}, nil).Judge(context.Background(), []Candidate{b, a}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", v.Winner.ID)
	assert.Equal(t, 0.0, v.ScoreGap)
	assert.Equal(t, 0.0, v.ConsensusScore)
	assert.InDelta(t, v.Scores["a"]/3, v.Confidence, 1e-9)
	require.Len(t, v.MinorityOpinions, 1)
	assert.Equal(t, "b", v.MinorityOpinions[0].CandidateID)
}

func TestJudgeCapsMinorityOpinions(t *testing.T) {
	var candidates []Candidate
	for _, id := range []string{"w", "x", "y", "z"} {
		candidates = append(candidates, Candidate{ID: id, Position: "shared position", Confidence: 0.6, CostEstimate: 1})
	}
	candidates[0].Confidence = 0.9

	v, err := New(Config{}, nil).Judge(context.Background(), candidates, nil)
	require.NoError(t, err)
	assert.Equal(t, "w", v.Winner.ID)
	assert.Len(t, v.MinorityOpinions, 2)
	assert.Equal(t, "x", v.MinorityOpinions[0].CandidateID)
}

func TestJudgeRejectsDuplicateIDs(t *testing.T) {
	_, err := New(Config{}, nil).Judge(context.Background(), []Candidate{{ID: "a"}, {ID: "a"}}, nil)
	assert.Error(t, err)
}

func TestJudgeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}, nil).Judge(ctx, []Candidate{{ID: "a"}, {ID: "b"}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
