// Package audit builds trails, compliance reports and risk assessments from
// the ledger.
package audit

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
)

// Store is the read side of the ledger plus event append for report records.
type Store interface {
	GetPlan(ctx context.Context, id string) (ledger.Plan, error)
	ListPlans(ctx context.Context, status ledger.PlanStatus, limit int) ([]ledger.Plan, error)
	ActiveBranch(ctx context.Context, planID string) (ledger.Branch, bool, error)
	ListSteps(ctx context.Context, planID, branchID string) ([]ledger.Step, error)
	ListTickets(ctx context.Context, filter ledger.TicketFilter) ([]ledger.Ticket, error)
	ListAttestations(ctx context.Context, planID string) ([]ledger.Attestation, error)
	ListRoutes(ctx context.Context, capability string) ([]ledger.Route, error)
	ListEvents(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error)
	AppendEvent(ctx context.Context, source, kind string, payload any) error
}

// Thresholds parameterise compliance checks and risk detection.
type Thresholds struct {
	AttestationCoverage float64 `koanf:"attestation_coverage"`
	MaxAvgLatencyMS     float64 `koanf:"max_avg_latency_ms"`
	MaxAvgCost          float64 `koanf:"max_avg_cost"`
	MinRouteDiversity   float64 `koanf:"min_route_diversity"`
	// MaxPlans bounds how many plans a global scope reads.
	MaxPlans int `koanf:"max_plans"`
}

// DefaultThresholds returns the standard compliance thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AttestationCoverage: 0.95,
		MaxAvgLatencyMS:     30000,
		MaxAvgCost:          5,
		MinRouteDiversity:   1.2,
		MaxPlans:            1000,
	}
}

// Auditor answers audit queries.
type Auditor struct {
	store  Store
	th     Thresholds
	logger *zap.Logger
}

// New creates an Auditor. Zero thresholds take their defaults.
func New(store Store, th Thresholds, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultThresholds()
	if th.AttestationCoverage <= 0 {
		th.AttestationCoverage = def.AttestationCoverage
	}
	if th.MaxAvgLatencyMS <= 0 {
		th.MaxAvgLatencyMS = def.MaxAvgLatencyMS
	}
	if th.MaxAvgCost <= 0 {
		th.MaxAvgCost = def.MaxAvgCost
	}
	if th.MinRouteDiversity <= 0 {
		th.MinRouteDiversity = def.MinRouteDiversity
	}
	if th.MaxPlans <= 0 {
		th.MaxPlans = def.MaxPlans
	}
	return &Auditor{store: store, th: th, logger: logger}
}

// scope is the slice of the ledger a report covers. Steps are the effective
// steps of each plan: the active branch when one exists, else the root steps.
type scope struct {
	planID       string
	steps        []ledger.Step
	tickets      []ledger.Ticket
	attested     map[string]bool // ticket ids
	routes       []ledger.Route
	capabilities []string
}

func (a *Auditor) load(ctx context.Context, planID string) (*scope, error) {
	sc := &scope{planID: planID, attested: map[string]bool{}}

	var plans []ledger.Plan
	if planID != "" {
		plan, err := a.store.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		plans = []ledger.Plan{plan}
	} else {
		var err error
		if plans, err = a.store.ListPlans(ctx, "", a.th.MaxPlans); err != nil {
			return nil, err
		}
	}
	for _, plan := range plans {
		branchID := ""
		branch, ok, err := a.store.ActiveBranch(ctx, plan.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			branchID = branch.ID
		}
		steps, err := a.store.ListSteps(ctx, plan.ID, branchID)
		if err != nil {
			return nil, err
		}
		sc.steps = append(sc.steps, steps...)
	}

	tickets, err := a.store.ListTickets(ctx, ledger.TicketFilter{PlanID: planID})
	if err != nil {
		return nil, err
	}
	sc.tickets = tickets

	atts, err := a.store.ListAttestations(ctx, planID)
	if err != nil {
		return nil, err
	}
	for _, att := range atts {
		sc.attested[att.TicketID] = true
	}

	routes, err := a.store.ListRoutes(ctx, "")
	if err != nil {
		return nil, err
	}
	caps := map[string]bool{}
	if planID != "" {
		for _, s := range sc.steps {
			caps[s.Capability] = true
		}
		for _, t := range sc.tickets {
			caps[t.Capability] = true
		}
		for _, r := range routes {
			if caps[r.Capability] {
				sc.routes = append(sc.routes, r)
			}
		}
	} else {
		sc.routes = routes
		for _, r := range routes {
			caps[r.Capability] = true
		}
	}
	for c := range caps {
		sc.capabilities = append(sc.capabilities, c)
	}
	sort.Strings(sc.capabilities)

	return sc, nil
}

// ticketsByStep groups tickets under their step id.
func (sc *scope) ticketsByStep() map[string][]ledger.Ticket {
	out := map[string][]ledger.Ticket{}
	for _, t := range sc.tickets {
		out[t.StepID] = append(out[t.StepID], t)
	}
	return out
}

// executedCritical returns critical steps with at least one ticket and,
// among them, the ones with no attested ticket.
func (sc *scope) executedCritical() (executed, unattested []ledger.Step) {
	byStep := sc.ticketsByStep()
	for _, s := range sc.steps {
		if !s.Critical || len(byStep[s.ID]) == 0 {
			continue
		}
		executed = append(executed, s)
		attested := false
		for _, t := range byStep[s.ID] {
			if sc.attested[t.ID] {
				attested = true
				break
			}
		}
		if !attested {
			unattested = append(unattested, s)
		}
	}
	return executed, unattested
}

func (sc *scope) averages() (latencyMS, cost float64) {
	if len(sc.tickets) == 0 {
		return 0, 0
	}
	for _, t := range sc.tickets {
		latencyMS += t.LatencyMS
		cost += t.Cost
	}
	n := float64(len(sc.tickets))
	return latencyMS / n, cost / n
}

func (a *Auditor) record(ctx context.Context, kind string, payload map[string]any) {
	if err := a.store.AppendEvent(ctx, "audit", kind, payload); err != nil {
		a.logger.Warn("record audit event failed", zap.String("kind", kind), zap.Error(err))
	}
}

func pct(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}
