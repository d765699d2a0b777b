package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreatePlan inserts a new plan. ID, status and timestamps must be set by the caller
// or are filled with defaults.
func (s *Store) CreatePlan(ctx context.Context, plan Plan) (Plan, error) {
	if plan.ID == "" {
		return Plan{}, fmt.Errorf("create plan: id is required")
	}
	if plan.Status == "" {
		plan.Status = PlanActive
	}
	now := s.now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	contextJSON, err := encodeJSON(plan.Context)
	if err != nil {
		return Plan{}, err
	}
	constraintsJSON, err := encodeJSON(plan.Constraints)
	if err != nil {
		return Plan{}, err
	}
	budgetJSON, err := encodeJSON(plan.Budget)
	if err != nil {
		return Plan{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, goal, context_json, constraints_json, budget_json, owner, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, plan.ID, plan.Goal, contextJSON, constraintsJSON, budgetJSON, plan.Owner, string(plan.Status),
		formatTime(now), formatTime(now))
	if err != nil {
		return Plan{}, fmt.Errorf("insert plan: %w", err)
	}
	return plan, nil
}

// GetPlan returns a plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (Plan, error) {
	return getPlan(ctx, s.db, id)
}

func getPlan(ctx context.Context, q queryer, id string) (Plan, error) {
	var plan Plan
	var contextJSON, constraintsJSON, budgetJSON, owner sql.NullString
	var status, createdAt, updatedAt string

	err := q.QueryRowContext(ctx, `
		SELECT id, goal, context_json, constraints_json, budget_json, owner, status, created_at, updated_at
		FROM plans WHERE id = ?
	`, id).Scan(&plan.ID, &plan.Goal, &contextJSON, &constraintsJSON, &budgetJSON, &owner,
		&status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Plan{}, fmt.Errorf("get plan: %w", err)
	}

	if err := decodeJSON(contextJSON, &plan.Context); err != nil {
		return Plan{}, err
	}
	if err := decodeJSON(constraintsJSON, &plan.Constraints); err != nil {
		return Plan{}, err
	}
	if err := decodeJSON(budgetJSON, &plan.Budget); err != nil {
		return Plan{}, err
	}
	plan.Owner = owner.String
	plan.Status = PlanStatus(status)
	plan.CreatedAt = parseTime(createdAt)
	plan.UpdatedAt = parseTime(updatedAt)
	return plan, nil
}

// ListPlans returns plans newest first, optionally filtered by status.
func (s *Store) ListPlans(ctx context.Context, status PlanStatus, limit int) ([]Plan, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id FROM plans"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	ids, err := s.collectIDs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	plans := make([]Plan, 0, len(ids))
	for _, id := range ids {
		plan, err := s.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// SetPlanStatus updates a plan's status.
func (s *Store) SetPlanStatus(ctx context.Context, id string, status PlanStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE plans SET status = ?, updated_at = ? WHERE id = ?",
		string(status), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return nil
}

// InsertSteps persists steps and their dependency edges in one transaction.
func (s *Store) InsertSteps(ctx context.Context, steps []Step) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertSteps(ctx, tx, steps)
	})
}

func (s *Store) insertSteps(ctx context.Context, tx *sql.Tx, steps []Step) error {
	now := s.timestamp()
	for _, step := range steps {
		if step.Status == "" {
			step.Status = StepTodo
		}
		inputsJSON, err := encodeJSON(step.Inputs)
		if err != nil {
			return err
		}
		acceptanceJSON, err := encodeJSON(step.Acceptance)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (id, plan_id, branch_id, capability, description, inputs_json, acceptance_json,
			                   critical, parallel_group, status, order_index, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, step.ID, step.PlanID, step.BranchID, step.Capability, step.Description, inputsJSON, acceptanceJSON,
			boolInt(step.Critical), step.ParallelGroup, string(step.Status), step.OrderIndex, now, now)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", step.ID, err)
		}
	}
	for _, step := range steps {
		for pos, dep := range step.Dependencies {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO step_dependencies (step_id, depends_on, position) VALUES (?, ?, ?)",
				step.ID, dep, pos)
			if err != nil {
				return fmt.Errorf("insert dependency %s -> %s: %w", step.ID, dep, err)
			}
		}
	}
	return nil
}

const stepColumns = `id, plan_id, branch_id, capability, description, inputs_json, acceptance_json,
	critical, parallel_group, status, order_index, created_at, updated_at`

// GetStep returns a step with its dependencies.
func (s *Store) GetStep(ctx context.Context, id string) (Step, error) {
	return getStep(ctx, s.db, id)
}

func getStep(ctx context.Context, q queryer, id string) (Step, error) {
	row := q.QueryRowContext(ctx, "SELECT "+stepColumns+" FROM steps WHERE id = ?", id)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Step{}, fmt.Errorf("get step: %w", err)
	}
	deps, err := loadDependencies(ctx, q, "d.step_id = ?", id)
	if err != nil {
		return Step{}, err
	}
	step.Dependencies = deps[step.ID]
	return step, nil
}

// ListSteps returns the steps of a plan for one branch ("" selects the root steps),
// ordered by order index.
func (s *Store) ListSteps(ctx context.Context, planID, branchID string) ([]Step, error) {
	return listSteps(ctx, s.db, planID, branchID)
}

func listSteps(ctx context.Context, q queryer, planID, branchID string) ([]Step, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+stepColumns+" FROM steps WHERE plan_id = ? AND branch_id = ? ORDER BY order_index ASC, id ASC",
		planID, branchID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	var steps []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	rows.Close()

	deps, err := loadDependencies(ctx, q, "s.plan_id = ? AND s.branch_id = ?", planID, branchID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		steps[i].Dependencies = deps[steps[i].ID]
	}
	return steps, nil
}

// ListPlanSteps returns every step of a plan across all branches.
func (s *Store) ListPlanSteps(ctx context.Context, planID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stepColumns+" FROM steps WHERE plan_id = ? ORDER BY branch_id ASC, order_index ASC", planID)
	if err != nil {
		return nil, fmt.Errorf("query plan steps: %w", err)
	}
	var steps []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	rows.Close()

	deps, err := loadDependencies(ctx, s.db, "s.plan_id = ?", planID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		steps[i].Dependencies = deps[steps[i].ID]
	}
	return steps, nil
}

// PendingDependencies returns the ids of dependencies of a step that are not done.
func (s *Store) PendingDependencies(ctx context.Context, stepID string) ([]string, error) {
	return pendingDependencies(ctx, s.db, stepID)
}

func pendingDependencies(ctx context.Context, q queryer, stepID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.depends_on FROM step_dependencies d
		JOIN steps s ON s.id = d.depends_on
		WHERE d.step_id = ? AND s.status != ?
		ORDER BY d.position ASC
	`, stepID, string(StepDone))
	if err != nil {
		return nil, fmt.Errorf("query pending dependencies: %w", err)
	}
	defer rows.Close()

	var pending []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		pending = append(pending, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return pending, nil
}

// TransitionStep moves a step to a new status. Moving to running or done is
// refused while any dependency is not done.
func (s *Store) TransitionStep(ctx context.Context, stepID string, to StepStatus) (Step, error) {
	var updated Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		step, err := getStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if !CanTransition(step.Status, to) {
			return fmt.Errorf("step %s %s -> %s: %w", stepID, step.Status, to, ErrInvalidTransition)
		}
		if to == StepRunning || to == StepDone {
			pending, err := pendingDependencies(ctx, tx, stepID)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				return fmt.Errorf("step %s waits on %s: %w", stepID, strings.Join(pending, ", "), ErrDependencyUnsatisfied)
			}
		}
		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			"UPDATE steps SET status = ?, updated_at = ? WHERE id = ?",
			string(to), formatTime(now), stepID); err != nil {
			return fmt.Errorf("update step status: %w", err)
		}
		step.Status = to
		step.UpdatedAt = now
		updated = step
		return nil
	})
	if err != nil {
		return Step{}, err
	}
	return updated, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (Step, error) {
	var step Step
	var description, inputsJSON, acceptanceJSON, parallelGroup sql.NullString
	var critical int
	var status, createdAt, updatedAt string

	err := row.Scan(&step.ID, &step.PlanID, &step.BranchID, &step.Capability, &description,
		&inputsJSON, &acceptanceJSON, &critical, &parallelGroup, &status, &step.OrderIndex,
		&createdAt, &updatedAt)
	if err != nil {
		return Step{}, err
	}
	if err := decodeJSON(inputsJSON, &step.Inputs); err != nil {
		return Step{}, err
	}
	if err := decodeJSON(acceptanceJSON, &step.Acceptance); err != nil {
		return Step{}, err
	}
	step.Description = description.String
	step.ParallelGroup = parallelGroup.String
	step.Critical = critical != 0
	step.Status = StepStatus(status)
	step.CreatedAt = parseTime(createdAt)
	step.UpdatedAt = parseTime(updatedAt)
	return step, nil
}

func loadDependencies(ctx context.Context, q queryer, where string, args ...any) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.step_id, d.depends_on FROM step_dependencies d
		JOIN steps s ON s.id = d.step_id
		WHERE `+where+`
		ORDER BY d.step_id ASC, d.position ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var stepID, dependsOn string
		if err := rows.Scan(&stepID, &dependsOn); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps[stepID] = append(deps[stepID], dependsOn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return deps, nil
}

func (s *Store) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
