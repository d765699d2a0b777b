package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"routeforge/internal/guardrails"
	"routeforge/internal/ledger"
)

// DefaultPredicateType is used when a commit names no predicate.
const DefaultPredicateType = "https://slsa.dev/provenance/v1"

// AwaitTicket polls until the ticket is terminal. A non-positive timeout or
// poll interval falls back to the configured defaults. It never waits past
// the deadline and returns ErrTimedOut when the ticket is still running.
func (o *Orchestrator) AwaitTicket(ctx context.Context, ticketID string, timeout, poll time.Duration) (ledger.Ticket, error) {
	if timeout <= 0 {
		timeout = o.cfg.AwaitTimeout
	}
	if poll <= 0 {
		poll = o.cfg.AwaitPoll
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		ticket, err := o.store.GetTicket(ctx, ticketID)
		if err != nil {
			if ctx.Err() != nil {
				return ledger.Ticket{}, fmt.Errorf("ticket %s after %s: %w", ticketID, timeout, ErrTimedOut)
			}
			return ledger.Ticket{}, err
		}
		if ticket.Status.Terminal() {
			return ticket, nil
		}
		select {
		case <-ctx.Done():
			return ledger.Ticket{}, fmt.Errorf("ticket %s still %s after %s: %w", ticketID, ticket.Status, timeout, ErrTimedOut)
		case <-ticker.C:
		}
	}
}

// CommitRequest attests a completed ticket.
type CommitRequest struct {
	TicketID      string `json:"ticket_id"`
	PredicateType string `json:"predicate_type,omitempty"`
	// Subject defaults to the digest of the ticket outputs.
	Subject   string `json:"subject,omitempty"`
	PolicyURI string `json:"policy_uri,omitempty"`
	Attestor  string `json:"attestor,omitempty"`
	// Archive archives the plan once every step of the executed branch is done.
	Archive bool `json:"archive,omitempty"`
}

// CommitResult reports the stored attestation and whether the plan was archived.
type CommitResult struct {
	Attestation  ledger.Attestation `json:"attestation"`
	PlanArchived bool               `json:"plan_archived"`
	Remaining    int                `json:"remaining_steps"`
}

// CommitResult attaches an attestation to a completed ticket and optionally
// archives its plan.
func (o *Orchestrator) CommitResult(ctx context.Context, req CommitRequest) (CommitResult, error) {
	ticket, err := o.store.GetTicket(ctx, req.TicketID)
	if err != nil {
		return CommitResult{}, err
	}
	if ticket.Status != ledger.TicketCompleted {
		return CommitResult{}, fmt.Errorf("ticket %s is %s: %w", ticket.ID, ticket.Status, ledger.ErrTicketNotCompleted)
	}

	subject := req.Subject
	if subject == "" {
		if subject, err = guardrails.OutputDigest(ticket.Outputs); err != nil {
			return CommitResult{}, err
		}
	}
	predicate := req.PredicateType
	if predicate == "" {
		predicate = DefaultPredicateType
	}
	attestor := req.Attestor
	if attestor == "" {
		attestor = "routeforge"
	}

	att, err := o.store.AddAttestation(ctx, ledger.Attestation{
		ID:            o.newID(),
		TicketID:      ticket.ID,
		PredicateType: predicate,
		Subject:       subject,
		PolicyURI:     req.PolicyURI,
		Attestor:      attestor,
	})
	if err != nil {
		return CommitResult{}, err
	}
	res := CommitResult{Attestation: att}

	if req.Archive {
		step, err := o.store.GetStep(ctx, ticket.StepID)
		if err != nil {
			return CommitResult{}, err
		}
		siblings, err := o.store.ListSteps(ctx, ticket.PlanID, step.BranchID)
		if err != nil {
			return CommitResult{}, err
		}
		for _, s := range siblings {
			if s.Status != ledger.StepDone {
				res.Remaining++
			}
		}
		if res.Remaining == 0 {
			if err := o.store.SetPlanStatus(ctx, ticket.PlanID, ledger.PlanArchived); err != nil {
				return CommitResult{}, err
			}
			res.PlanArchived = true
		}
	}

	o.event(ctx, "result_committed", map[string]any{
		"plan_id":        ticket.PlanID,
		"ticket_id":      ticket.ID,
		"attestation_id": att.ID,
		"predicate_type": predicate,
		"subject":        subject,
		"plan_archived":  res.PlanArchived,
	})
	o.logger.Info("result committed",
		zap.String("ticket_id", ticket.ID),
		zap.String("attestation_id", att.ID),
		zap.Bool("plan_archived", res.PlanArchived),
	)
	return res, nil
}
