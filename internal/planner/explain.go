package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"routeforge/internal/ledger"
)

// Band names a qualitative score range.
func Band(score float64) (band, summary string) {
	switch {
	case score > 0.8:
		return "high", "high confidence, low risk"
	case score >= 0.6:
		return "good", "good plan with manageable risk"
	case score >= 0.4:
		return "moderate", "moderate confidence, review before executing"
	default:
		return "low", "low confidence, consider re-planning"
	}
}

// Explain renders a branch score and its structure, diffed against the best
// sibling branch (or the root steps when the branch is itself the best).
func (p *Planner) Explain(ctx context.Context, branchID string) (Explanation, error) {
	branch, err := p.store.GetBranch(ctx, branchID)
	if err != nil {
		return Explanation{}, err
	}
	band, summary := Band(branch.Score)
	ex := Explanation{
		BranchID:  branch.ID,
		PlanID:    branch.PlanID,
		Score:     branch.Score,
		Band:      band,
		Summary:   summary,
		Breakdown: branch.Breakdown,
		Rationale: branch.Rationale,
		StepCount: len(branch.Steps),
	}

	groups := make(map[string]struct{})
	for _, s := range branch.Steps {
		if s.Critical {
			ex.CriticalSteps++
		}
		if s.ParallelGroup != "" {
			groups[s.ParallelGroup] = struct{}{}
		}
	}
	ex.ParallelGroups = len(groups)
	ex.Notes = p.structuralNotes(ex)

	siblings, err := p.store.ListBranches(ctx, branch.PlanID)
	if err != nil {
		return Explanation{}, err
	}
	var other []ledger.Step
	switch {
	case len(siblings) > 0 && siblings[0].ID != branch.ID && siblings[0].Score > branch.Score:
		ex.ComparedTo = siblings[0].ID
		other = siblings[0].Steps
	default:
		ex.ComparedTo = "root"
		other, err = p.store.ListSteps(ctx, branch.PlanID, "")
		if err != nil {
			return Explanation{}, err
		}
	}
	ex.Diff, err = diffSteps(ex.ComparedTo, other, branch.ID, branch.Steps)
	if err != nil {
		return Explanation{}, err
	}
	return ex, nil
}

func (p *Planner) structuralNotes(ex Explanation) []string {
	notes := []string{
		fmt.Sprintf("%d critical step(s)", ex.CriticalSteps),
		fmt.Sprintf("%d parallel group(s)", ex.ParallelGroups),
	}
	if ex.StepCount > p.cfg.TooManySteps {
		notes = append(notes, "too many steps")
	}
	if ex.StepCount < p.cfg.TooFewSteps {
		notes = append(notes, "too few steps")
	}
	if ex.Breakdown.Feasibility < 1 {
		notes = append(notes, "some capabilities have no healthy route")
	}
	return notes
}

// renderSteps prints one line per step. Dependencies are rendered by
// capability so that branches with different step ids compare cleanly.
func renderSteps(steps []ledger.Step) []string {
	capOf := make(map[string]string, len(steps))
	for _, s := range steps {
		capOf[s.ID] = s.Capability
	}
	lines := make([]string, 0, len(steps))
	for _, s := range steps {
		var b strings.Builder
		b.WriteString(s.Capability)
		if s.Critical {
			b.WriteString(" [critical]")
		}
		if s.ParallelGroup != "" {
			fmt.Fprintf(&b, " (%s)", s.ParallelGroup)
		}
		if len(s.Dependencies) > 0 {
			deps := make([]string, 0, len(s.Dependencies))
			for _, d := range s.Dependencies {
				deps = append(deps, capOf[d])
			}
			sort.Strings(deps)
			b.WriteString(" <- " + strings.Join(deps, ", "))
		}
		b.WriteString("\n")
		lines = append(lines, b.String())
	}
	return lines
}

func diffSteps(fromName string, from []ledger.Step, toName string, to []ledger.Step) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        renderSteps(from),
		B:        renderSteps(to),
		FromFile: fromName,
		ToFile:   toName,
		Context:  2,
	})
}
