package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const ticketColumns = `id, step_id, plan_id, route_id, capability, path, route_healthy, inputs_json, outputs_json,
	status, latency_ms, cost, quality, error, created_at, completed_at`

// CreateTicket records the start of an execution attempt.
func (s *Store) CreateTicket(ctx context.Context, ticket Ticket) (Ticket, error) {
	if ticket.ID == "" {
		return Ticket{}, fmt.Errorf("create ticket: id is required")
	}
	if ticket.Status == "" {
		ticket.Status = TicketRunning
	}
	if ticket.Path == "" {
		ticket.Path = PathStandard
	}
	ticket.CreatedAt = s.now().UTC()

	inputsJSON, err := encodeJSON(ticket.Inputs)
	if err != nil {
		return Ticket{}, err
	}
	outputsJSON, err := encodeJSON(ticket.Outputs)
	if err != nil {
		return Ticket{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ticket.ID, ticket.StepID, ticket.PlanID, ticket.RouteID, ticket.Capability, string(ticket.Path),
		boolInt(ticket.RouteHealthy), inputsJSON, outputsJSON, string(ticket.Status), ticket.LatencyMS,
		ticket.Cost, ticket.Quality, ticket.Error, formatTime(ticket.CreatedAt), nullTime(ticket.CompletedAt))
	if err != nil {
		return Ticket{}, fmt.Errorf("insert ticket: %w", err)
	}
	return ticket, nil
}

// TicketOutcome is the terminal result written to a ticket.
type TicketOutcome struct {
	Status    TicketStatus
	Outputs   map[string]any
	LatencyMS float64
	Cost      float64
	Quality   float64
	Error     string
}

// CompleteTicket moves a running ticket to a terminal status. Terminal tickets
// are immutable.
func (s *Store) CompleteTicket(ctx context.Context, id string, outcome TicketOutcome) (Ticket, error) {
	if !outcome.Status.Terminal() {
		return Ticket{}, fmt.Errorf("complete ticket %s with status %s: %w", id, outcome.Status, ErrInvalidTransition)
	}
	outputsJSON, err := encodeJSON(outcome.Outputs)
	if err != nil {
		return Ticket{}, err
	}

	var ticket Ticket
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getTicket(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return fmt.Errorf("ticket %s already %s: %w", id, current.Status, ErrInvalidTransition)
		}
		now := s.now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE tickets
			SET status = ?, outputs_json = ?, latency_ms = ?, cost = ?, quality = ?, error = ?, completed_at = ?
			WHERE id = ?
		`, string(outcome.Status), outputsJSON, outcome.LatencyMS, outcome.Cost, outcome.Quality,
			outcome.Error, formatTime(now), id)
		if err != nil {
			return fmt.Errorf("complete ticket: %w", err)
		}
		current.Status = outcome.Status
		current.Outputs = outcome.Outputs
		current.LatencyMS = outcome.LatencyMS
		current.Cost = outcome.Cost
		current.Quality = outcome.Quality
		current.Error = outcome.Error
		current.CompletedAt = &now
		ticket = current
		return nil
	})
	if err != nil {
		return Ticket{}, err
	}
	return ticket, nil
}

// GetTicket returns a ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (Ticket, error) {
	return getTicket(ctx, s.db, id)
}

func getTicket(ctx context.Context, q queryer, id string) (Ticket, error) {
	row := q.QueryRowContext(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
	ticket, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("get ticket: %w", err)
	}
	return ticket, nil
}

// TicketFilter narrows ListTickets. Zero values match everything.
type TicketFilter struct {
	PlanID     string
	RouteID    string
	Capability string
	Limit      int
}

// ListTickets returns tickets oldest first.
func (s *Store) ListTickets(ctx context.Context, filter TicketFilter) ([]Ticket, error) {
	query := "SELECT " + ticketColumns + " FROM tickets WHERE 1 = 1"
	var args []any
	if filter.PlanID != "" {
		query += " AND plan_id = ?"
		args = append(args, filter.PlanID)
	}
	if filter.RouteID != "" {
		query += " AND route_id = ?"
		args = append(args, filter.RouteID)
	}
	if filter.Capability != "" {
		query += " AND capability = ?"
		args = append(args, filter.Capability)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	return tickets, nil
}

// AddAttestation attaches an attestation to a completed ticket.
func (s *Store) AddAttestation(ctx context.Context, att Attestation) (Attestation, error) {
	if att.ID == "" {
		return Attestation{}, fmt.Errorf("add attestation: id is required")
	}
	att.CreatedAt = s.now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ticket, err := getTicket(ctx, tx, att.TicketID)
		if err != nil {
			return err
		}
		if ticket.Status != TicketCompleted {
			return fmt.Errorf("ticket %s is %s: %w", ticket.ID, ticket.Status, ErrTicketNotCompleted)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attestations (id, ticket_id, predicate_type, subject, policy_uri, attestor, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, att.ID, att.TicketID, att.PredicateType, att.Subject, att.PolicyURI, att.Attestor, formatTime(att.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert attestation: %w", err)
		}
		return nil
	})
	if err != nil {
		return Attestation{}, err
	}
	return att, nil
}

// ListAttestations returns attestations for tickets of a plan ("" for all).
func (s *Store) ListAttestations(ctx context.Context, planID string) ([]Attestation, error) {
	query := `
		SELECT a.id, a.ticket_id, a.predicate_type, a.subject, a.policy_uri, a.attestor, a.created_at
		FROM attestations a JOIN tickets t ON t.id = a.ticket_id`
	var args []any
	if planID != "" {
		query += " WHERE t.plan_id = ?"
		args = append(args, planID)
	}
	query += " ORDER BY a.created_at ASC, a.id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attestations: %w", err)
	}
	defer rows.Close()

	var out []Attestation
	for rows.Next() {
		var att Attestation
		var policyURI sql.NullString
		var createdAt string
		if err := rows.Scan(&att.ID, &att.TicketID, &att.PredicateType, &att.Subject, &policyURI,
			&att.Attestor, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attestation: %w", err)
		}
		att.PolicyURI = policyURI.String
		att.CreatedAt = parseTime(createdAt)
		out = append(out, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attestations: %w", err)
	}
	return out, nil
}

func scanTicket(row rowScanner) (Ticket, error) {
	var t Ticket
	var inputsJSON, outputsJSON, errMsg, completedAt sql.NullString
	var path, status, createdAt string
	var healthy int

	if err := row.Scan(&t.ID, &t.StepID, &t.PlanID, &t.RouteID, &t.Capability, &path, &healthy,
		&inputsJSON, &outputsJSON, &status, &t.LatencyMS, &t.Cost, &t.Quality, &errMsg,
		&createdAt, &completedAt); err != nil {
		return Ticket{}, err
	}
	if err := decodeJSON(inputsJSON, &t.Inputs); err != nil {
		return Ticket{}, err
	}
	if err := decodeJSON(outputsJSON, &t.Outputs); err != nil {
		return Ticket{}, err
	}
	t.Path = ExecutionPath(path)
	t.RouteHealthy = healthy != 0
	t.Status = TicketStatus(status)
	t.Error = errMsg.String
	t.CreatedAt = parseTime(createdAt)
	t.CompletedAt = parseNullTime(completedAt)
	return t, nil
}
