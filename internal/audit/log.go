package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"routeforge/internal/ledger"
)

// Format selects how much of the trail is returned.
type Format string

const (
	FormatRaw      Format = "raw"
	FormatSummary  Format = "summary"
	FormatDetailed Format = "detailed"
)

// TrailRequest scopes an audit trail. An empty PlanID covers the whole ledger.
type TrailRequest struct {
	PlanID string `json:"plan_id,omitempty"`
	Format Format `json:"format,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// TrailSummary aggregates a trail.
type TrailSummary struct {
	Events        int            `json:"events"`
	ByKind        map[string]int `json:"by_kind"`
	BySource      map[string]int `json:"by_source"`
	First         *time.Time     `json:"first,omitempty"`
	Last          *time.Time     `json:"last,omitempty"`
	Tickets       int            `json:"tickets"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	HighAssurance int            `json:"high_assurance"`
	Attestations  int            `json:"attestations"`
	AvgLatencyMS  float64        `json:"avg_latency_ms"`
	TotalCost     float64        `json:"total_cost"`
}

// Trail is the audit trail in the requested format. Raw carries events only,
// summary carries the aggregate only, detailed carries everything.
type Trail struct {
	PlanID       string               `json:"plan_id,omitempty"`
	Format       Format               `json:"format"`
	Events       []ledger.Event       `json:"events,omitempty"`
	Summary      *TrailSummary        `json:"summary,omitempty"`
	Steps        []ledger.Step        `json:"steps,omitempty"`
	Tickets      []ledger.Ticket      `json:"tickets,omitempty"`
	Attestations []ledger.Attestation `json:"attestations,omitempty"`
}

// Trail returns the event trail of a plan or of the whole ledger.
func (a *Auditor) Trail(ctx context.Context, req TrailRequest) (Trail, error) {
	format := req.Format
	if format == "" {
		format = FormatSummary
	}
	switch format {
	case FormatRaw, FormatSummary, FormatDetailed:
	default:
		return Trail{}, fmt.Errorf("unknown trail format %q", format)
	}
	if req.PlanID != "" {
		if _, err := a.store.GetPlan(ctx, req.PlanID); err != nil {
			return Trail{}, err
		}
	}

	events, err := a.store.ListEvents(ctx, ledger.EventFilter{PlanID: req.PlanID, Limit: req.Limit})
	if err != nil {
		return Trail{}, err
	}
	out := Trail{PlanID: req.PlanID, Format: format}
	if format == FormatRaw {
		out.Events = events
		return out, nil
	}

	tickets, err := a.store.ListTickets(ctx, ledger.TicketFilter{PlanID: req.PlanID})
	if err != nil {
		return Trail{}, err
	}
	atts, err := a.store.ListAttestations(ctx, req.PlanID)
	if err != nil {
		return Trail{}, err
	}
	out.Summary = summarize(events, tickets, atts)
	if format == FormatSummary {
		return out, nil
	}

	sc, err := a.load(ctx, req.PlanID)
	if err != nil {
		return Trail{}, err
	}
	out.Events, out.Steps, out.Tickets, out.Attestations = events, sc.steps, tickets, atts
	return out, nil
}

func summarize(events []ledger.Event, tickets []ledger.Ticket, atts []ledger.Attestation) *TrailSummary {
	s := &TrailSummary{
		Events:       len(events),
		ByKind:       map[string]int{},
		BySource:     map[string]int{},
		Tickets:      len(tickets),
		Attestations: len(atts),
	}
	for _, ev := range events {
		s.ByKind[ev.Kind]++
		s.BySource[ev.Source]++
	}
	if len(events) > 0 {
		ts := make([]time.Time, 0, len(events))
		for _, ev := range events {
			ts = append(ts, ev.Timestamp)
		}
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
		first, last := ts[0], ts[len(ts)-1]
		s.First, s.Last = &first, &last
	}
	var latency float64
	for _, t := range tickets {
		switch t.Status {
		case ledger.TicketCompleted:
			s.Completed++
		case ledger.TicketFailed:
			s.Failed++
		}
		if t.Path == ledger.PathHighAssurance {
			s.HighAssurance++
		}
		latency += t.LatencyMS
		s.TotalCost += t.Cost
	}
	if len(tickets) > 0 {
		s.AvgLatencyMS = latency / float64(len(tickets))
	}
	return s
}
