package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertBranch persists a branch and its steps. Branches are immutable after
// this call apart from the active flag.
func (s *Store) InsertBranch(ctx context.Context, branch Branch) (Branch, error) {
	if branch.ID == "" || branch.PlanID == "" {
		return Branch{}, fmt.Errorf("insert branch: id and plan id are required")
	}
	branch.CreatedAt = s.now().UTC()

	breakdownJSON, err := encodeJSON(branch.Breakdown)
	if err != nil {
		return Branch{}, err
	}
	rationaleJSON, err := encodeJSON(branch.Rationale)
	if err != nil {
		return Branch{}, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if branch.Active {
			if _, err := tx.ExecContext(ctx, "UPDATE branches SET active = 0 WHERE plan_id = ?", branch.PlanID); err != nil {
				return fmt.Errorf("deactivate branches: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO branches (id, plan_id, parent_branch_id, score, breakdown_json, rationale_json, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, branch.ID, branch.PlanID, branch.ParentBranchID, branch.Score, breakdownJSON, rationaleJSON,
			boolInt(branch.Active), formatTime(branch.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert branch: %w", err)
		}
		for i := range branch.Steps {
			branch.Steps[i].PlanID = branch.PlanID
			branch.Steps[i].BranchID = branch.ID
		}
		return s.insertSteps(ctx, tx, branch.Steps)
	})
	if err != nil {
		return Branch{}, err
	}
	return branch, nil
}

// GetBranch returns a branch with its ordered steps.
func (s *Store) GetBranch(ctx context.Context, id string) (Branch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, parent_branch_id, score, breakdown_json, rationale_json, active, created_at
		FROM branches WHERE id = ?
	`, id)
	branch, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, fmt.Errorf("branch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Branch{}, fmt.Errorf("get branch: %w", err)
	}
	branch.Steps, err = listSteps(ctx, s.db, branch.PlanID, branch.ID)
	if err != nil {
		return Branch{}, err
	}
	return branch, nil
}

// ListBranches returns the branches of a plan by score descending, then id.
func (s *Store) ListBranches(ctx context.Context, planID string) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, parent_branch_id, score, breakdown_json, rationale_json, active, created_at
		FROM branches WHERE plan_id = ?
		ORDER BY score DESC, id ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	var branches []Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		branches = append(branches, branch)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	rows.Close()

	for i := range branches {
		branches[i].Steps, err = listSteps(ctx, s.db, planID, branches[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return branches, nil
}

// ActiveBranch returns the active branch of a plan. ok is false when none is active.
func (s *Store) ActiveBranch(ctx context.Context, planID string) (Branch, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM branches WHERE plan_id = ? AND active = 1 LIMIT 1", planID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, false, nil
	}
	if err != nil {
		return Branch{}, false, fmt.Errorf("find active branch: %w", err)
	}
	branch, err := s.GetBranch(ctx, id)
	if err != nil {
		return Branch{}, false, err
	}
	return branch, true, nil
}

// SetActiveBranch makes one branch the active branch of its plan.
func (s *Store) SetActiveBranch(ctx context.Context, planID, branchID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var found string
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM branches WHERE id = ? AND plan_id = ?", branchID, planID).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("branch %s in plan %s: %w", branchID, planID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("find branch: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE branches SET active = (id = ?) WHERE plan_id = ?", branchID, planID); err != nil {
			return fmt.Errorf("activate branch: %w", err)
		}
		return nil
	})
}

func scanBranch(row rowScanner) (Branch, error) {
	var branch Branch
	var parent, breakdownJSON, rationaleJSON sql.NullString
	var active int
	var createdAt string

	if err := row.Scan(&branch.ID, &branch.PlanID, &parent, &branch.Score, &breakdownJSON,
		&rationaleJSON, &active, &createdAt); err != nil {
		return Branch{}, err
	}
	if err := decodeJSON(breakdownJSON, &branch.Breakdown); err != nil {
		return Branch{}, err
	}
	if err := decodeJSON(rationaleJSON, &branch.Rationale); err != nil {
		return Branch{}, err
	}
	branch.ParentBranchID = parent.String
	branch.Active = active != 0
	branch.CreatedAt = parseTime(createdAt)
	return branch, nil
}
