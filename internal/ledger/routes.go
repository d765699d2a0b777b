package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const routeColumns = `id, capability, backend_id, tool_name, score, policy_json, healthy, weights_json, created_at, updated_at`

// InsertRoute persists a new route together with an empty learning row.
func (s *Store) InsertRoute(ctx context.Context, route Route) (Route, error) {
	if route.Weights.IsZero() {
		route.Weights = BalancedWeights()
	}
	now := s.now().UTC()
	route.CreatedAt = now
	route.UpdatedAt = now

	policyJSON, err := encodeJSON(route.Policy)
	if err != nil {
		return Route{}, err
	}
	weightsJSON, err := encodeJSON(route.Weights)
	if err != nil {
		return Route{}, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, "SELECT id FROM routes WHERE id = ?", route.ID).Scan(&existing)
		if err == nil {
			return fmt.Errorf("route %s: %w", route.ID, ErrRouteExists)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check existing route: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO routes (`+routeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, route.ID, route.Capability, route.BackendID, route.ToolName, route.Score, policyJSON,
			boolInt(route.Healthy), weightsJSON, formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert route: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO learning (route_id, confidence_radius, updated_at) VALUES (?, ?, ?)
		`, route.ID, DefaultConfidenceRadius, formatTime(now))
		if err != nil {
			return fmt.Errorf("insert learning: %w", err)
		}
		return nil
	})
	if err != nil {
		return Route{}, err
	}
	return route, nil
}

// GetRoute returns a route by id.
func (s *Store) GetRoute(ctx context.Context, id string) (Route, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+routeColumns+" FROM routes WHERE id = ?", id)
	route, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Route{}, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Route{}, fmt.Errorf("get route: %w", err)
	}
	return route, nil
}

// ListRoutes returns routes for a capability ("" for all), score descending then id.
// Health is not filtered.
func (s *Store) ListRoutes(ctx context.Context, capability string) ([]Route, error) {
	query := "SELECT " + routeColumns + " FROM routes"
	args := []any{}
	if capability != "" {
		query += " WHERE capability = ?"
		args = append(args, capability)
	}
	query += " ORDER BY score DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		routes = append(routes, route)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routes: %w", err)
	}
	return routes, nil
}

// SetRouteHealth updates the health flag. changed reports whether the value differed.
func (s *Store) SetRouteHealth(ctx context.Context, id string, healthy bool) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx, "SELECT healthy FROM routes WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("route %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get route health: %w", err)
		}
		changed = (current != 0) != healthy
		_, err = tx.ExecContext(ctx, "UPDATE routes SET healthy = ?, updated_at = ? WHERE id = ?",
			boolInt(healthy), s.timestamp(), id)
		if err != nil {
			return fmt.Errorf("update route health: %w", err)
		}
		return nil
	})
	return changed, err
}

// UpdateRouteWeights stores new weights and the score derived from them.
func (s *Store) UpdateRouteWeights(ctx context.Context, id string, weights Weights, score float64) error {
	weightsJSON, err := encodeJSON(weights)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE routes SET weights_json = ?, score = ?, updated_at = ? WHERE id = ?",
		weightsJSON, score, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("update route weights: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	return nil
}

const learningColumns = `route_id, success_count, total_count, avg_latency_ms, avg_cost, avg_reliability,
	confidence_radius, last_reward, last_success_at, last_failure_at, updated_at`

// GetLearning returns the learning row of a route.
func (s *Store) GetLearning(ctx context.Context, routeID string) (Learning, error) {
	return getLearning(ctx, s.db, routeID)
}

func getLearning(ctx context.Context, q queryer, routeID string) (Learning, error) {
	row := q.QueryRowContext(ctx, "SELECT "+learningColumns+" FROM learning WHERE route_id = ?", routeID)
	learning, err := scanLearning(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Learning{}, fmt.Errorf("learning for route %s: %w", routeID, ErrNotFound)
	}
	if err != nil {
		return Learning{}, fmt.Errorf("get learning: %w", err)
	}
	return learning, nil
}

// ListLearning returns every learning row keyed by route id.
func (s *Store) ListLearning(ctx context.Context) (map[string]Learning, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+learningColumns+" FROM learning ORDER BY route_id ASC")
	if err != nil {
		return nil, fmt.Errorf("query learning: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Learning)
	for rows.Next() {
		learning, err := scanLearning(rows)
		if err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		out[learning.RouteID] = learning
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learning: %w", err)
	}
	return out, nil
}

// LearningMutator changes a learning row in place and returns an event payload
// to append in the same transaction, or nil for none.
type LearningMutator func(l *Learning) (any, error)

// UpdateLearning applies fn to a route's learning row in a single transaction.
// The store serialises transactions, so concurrent updates cannot interleave
// between the read and the write.
func (s *Store) UpdateLearning(ctx context.Context, routeID, source string, fn LearningMutator) (Learning, error) {
	var updated Learning
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		learning, err := getLearning(ctx, tx, routeID)
		if err != nil {
			return err
		}
		payload, err := fn(&learning)
		if err != nil {
			return err
		}
		learning.RouteID = routeID
		learning.UpdatedAt = s.now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE learning
			SET success_count = ?, total_count = ?, avg_latency_ms = ?, avg_cost = ?, avg_reliability = ?,
			    confidence_radius = ?, last_reward = ?, last_success_at = ?, last_failure_at = ?, updated_at = ?
			WHERE route_id = ?
		`, learning.SuccessCount, learning.TotalCount, learning.AvgLatencyMS, learning.AvgCost,
			learning.AvgReliability, learning.ConfidenceRadius, learning.LastReward,
			nullTime(learning.LastSuccessAt), nullTime(learning.LastFailureAt),
			formatTime(learning.UpdatedAt), routeID)
		if err != nil {
			return fmt.Errorf("update learning: %w", err)
		}
		if payload != nil {
			if err := s.appendEvent(ctx, tx, source, "reward_applied", payload); err != nil {
				return err
			}
		}
		updated = learning
		return nil
	})
	if err != nil {
		return Learning{}, err
	}
	return updated, nil
}

func scanRoute(row rowScanner) (Route, error) {
	var route Route
	var policyJSON, weightsJSON sql.NullString
	var healthy int
	var createdAt, updatedAt string

	if err := row.Scan(&route.ID, &route.Capability, &route.BackendID, &route.ToolName, &route.Score,
		&policyJSON, &healthy, &weightsJSON, &createdAt, &updatedAt); err != nil {
		return Route{}, err
	}
	if err := decodeJSON(policyJSON, &route.Policy); err != nil {
		return Route{}, err
	}
	if err := decodeJSON(weightsJSON, &route.Weights); err != nil {
		return Route{}, err
	}
	route.Healthy = healthy != 0
	route.CreatedAt = parseTime(createdAt)
	route.UpdatedAt = parseTime(updatedAt)
	return route, nil
}

func scanLearning(row rowScanner) (Learning, error) {
	var l Learning
	var lastSuccess, lastFailure sql.NullString
	var updatedAt string

	if err := row.Scan(&l.RouteID, &l.SuccessCount, &l.TotalCount, &l.AvgLatencyMS, &l.AvgCost,
		&l.AvgReliability, &l.ConfidenceRadius, &l.LastReward, &lastSuccess, &lastFailure, &updatedAt); err != nil {
		return Learning{}, err
	}
	l.LastSuccessAt = parseNullTime(lastSuccess)
	l.LastFailureAt = parseNullTime(lastFailure)
	l.UpdatedAt = parseTime(updatedAt)
	return l, nil
}
