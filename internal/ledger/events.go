package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AppendEvent writes an audit event. Events are never updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, source, kind string, payload any) error {
	return s.appendEvent(ctx, s.db, source, kind, payload)
}

func (s *Store) appendEvent(ctx context.Context, q queryer, source, kind string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = q.ExecContext(ctx,
		"INSERT INTO events (ts, source, kind, payload_json) VALUES (?, ?, ?, ?)",
		s.timestamp(), source, kind, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	// PlanID matches events whose payload carries this plan_id.
	PlanID string
	Kinds  []string
	Source string
	Since  time.Time
	Limit  int
}

// ListEvents returns events oldest first.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	query := "SELECT id, ts, source, kind, payload_json FROM events WHERE 1 = 1"
	var args []any
	if filter.PlanID != "" {
		query += " AND json_extract(payload_json, '$.plan_id') = ?"
		args = append(args, filter.PlanID)
	}
	if len(filter.Kinds) > 0 {
		query += " AND kind IN (?" + strings.Repeat(", ?", len(filter.Kinds)-1) + ")"
		for _, kind := range filter.Kinds {
			args = append(args, kind)
		}
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if !filter.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, formatTime(filter.Since))
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ts, payload string
		if err := rows.Scan(&ev.ID, &ts, &ev.Source, &ev.Kind, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = parseTime(ts)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
