package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"routeforge/internal/adapters"
	"routeforge/internal/debate"
	"routeforge/internal/guardrails"
	"routeforge/internal/ledger"
	"routeforge/internal/metrics"
	"routeforge/internal/router"
)

// RunRequest asks for one step execution.
type RunRequest struct {
	StepID string `json:"step_id"`
	// HighAssurance opts a critical step into adjudicated route selection.
	HighAssurance bool                    `json:"high_assurance,omitempty"`
	Context       router.SelectionContext `json:"context,omitempty"`
	Explore       *float64                `json:"explore,omitempty"`
	// Inputs are merged over the step's own inputs.
	Inputs map[string]string `json:"inputs,omitempty"`
}

// RunResult reports an execution. A failed execution is a result, not an error.
type RunResult struct {
	Ticket       ledger.Ticket        `json:"ticket"`
	Step         ledger.Step          `json:"step"`
	Route        ledger.Route         `json:"route"`
	Path         ledger.ExecutionPath `json:"path"`
	Reason       string               `json:"reason"`
	Success      bool                 `json:"success"`
	Reward       *router.RewardUpdate `json:"reward,omitempty"`
	Verdict      *debate.Verdict      `json:"verdict,omitempty"`
	Adjudication *Adjudication        `json:"adjudication,omitempty"`
	Fallbacks    []string             `json:"fallbacks,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`
}

type decision struct {
	route        ledger.Route
	path         ledger.ExecutionPath
	reason       string
	verdict      *debate.Verdict
	adjudication *Adjudication
	fallbacks    []string
}

// RunStep executes one step: dependencies must be done, a route is selected
// (through the assurance chain when requested), the backend runs, and the
// outcome is written to the ledger and fed back to the router.
func (o *Orchestrator) RunStep(ctx context.Context, req RunRequest) (RunResult, error) {
	step, err := o.store.GetStep(ctx, req.StepID)
	if err != nil {
		return RunResult{}, err
	}
	pending, err := o.store.PendingDependencies(ctx, step.ID)
	if err != nil {
		return RunResult{}, err
	}
	if len(pending) > 0 {
		return RunResult{}, fmt.Errorf("step %s waits on %s: %w", step.ID, strings.Join(pending, ", "), ledger.ErrDependencyUnsatisfied)
	}
	if !ledger.CanTransition(step.Status, ledger.StepRunning) {
		return RunResult{}, fmt.Errorf("step %s is %s: %w", step.ID, step.Status, ledger.ErrInvalidTransition)
	}

	candidates, err := o.routes.Candidates(ctx, step.Capability)
	if err != nil {
		return RunResult{}, err
	}
	if len(candidates) == 0 {
		return RunResult{}, fmt.Errorf("capability %q: %w", step.Capability, router.ErrNoRouteAvailable)
	}
	rreq := router.Request{Capability: step.Capability, Candidates: candidates, Context: req.Context, Explore: req.Explore}

	d, err := o.decide(ctx, step, rreq, req.HighAssurance)
	if err != nil {
		return RunResult{}, err
	}

	step, err = o.store.TransitionStep(ctx, step.ID, ledger.StepRunning)
	if err != nil {
		return RunResult{}, err
	}

	inputs := make(map[string]string, len(step.Inputs)+len(req.Inputs))
	for k, v := range step.Inputs {
		inputs[k] = v
	}
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	ticket, err := o.store.CreateTicket(ctx, ledger.Ticket{
		ID:           o.newID(),
		StepID:       step.ID,
		PlanID:       step.PlanID,
		RouteID:      d.route.ID,
		Capability:   step.Capability,
		Path:         d.path,
		RouteHealthy: d.route.Healthy,
		Inputs:       inputs,
		Status:       ledger.TicketRunning,
	})
	if err != nil {
		if _, terr := o.store.TransitionStep(context.WithoutCancel(ctx), step.ID, ledger.StepFailed); terr != nil {
			o.ledgerFailure("revert step after ticket failure", terr)
		}
		return RunResult{}, fmt.Errorf("create ticket: %w", err)
	}

	res := RunResult{Route: d.route, Path: d.path, Reason: d.reason, Verdict: d.verdict, Adjudication: d.adjudication, Fallbacks: d.fallbacks}
	warn := func(op string, err error) {
		o.ledgerFailure(op, err)
		res.Warnings = append(res.Warnings, op+": "+err.Error())
	}

	out, latency, execErr := o.execute(ctx, step, d.route, inputs)
	latencyMS := float64(latency) / float64(time.Millisecond)

	// The outcome is recorded even when the caller has gone away, otherwise
	// the step and ticket stay running with no way to re-run them.
	wctx := context.WithoutCancel(ctx)

	res.Success = execErr == nil
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	} else if err := guardrails.CheckOutputs(step.Acceptance, out.Outputs, out.QualityScore); err != nil {
		res.Success = false
		errMsg = err.Error()
	}

	ticketStatus, stepStatus := ledger.TicketCompleted, ledger.StepDone
	if !res.Success {
		ticketStatus, stepStatus = ledger.TicketFailed, ledger.StepFailed
	}
	outcome := ledger.TicketOutcome{
		Status:    ticketStatus,
		Outputs:   out.Outputs,
		LatencyMS: latencyMS,
		Cost:      out.Cost,
		Quality:   out.QualityScore,
		Error:     errMsg,
	}
	if completed, err := o.store.CompleteTicket(wctx, ticket.ID, outcome); err != nil {
		warn("complete ticket", err)
		ticket.Status, ticket.Outputs, ticket.LatencyMS = outcome.Status, outcome.Outputs, outcome.LatencyMS
		ticket.Cost, ticket.Quality, ticket.Error = outcome.Cost, outcome.Quality, outcome.Error
	} else {
		ticket = completed
	}
	res.Ticket = ticket

	if updated, err := o.store.TransitionStep(wctx, step.ID, stepStatus); err != nil {
		warn("update step status", err)
		res.Step = step
	} else {
		res.Step = updated
	}

	success, reliability := 0.0, 0.0
	if res.Success {
		success, reliability = 1.0, out.QualityScore
	}
	if upd, err := o.router.UpdateReward(wctx, d.route.ID, router.Metrics{
		Success:     success,
		LatencyMS:   latencyMS,
		Cost:        out.Cost,
		Reliability: reliability,
	}); err != nil {
		warn("update reward", err)
	} else {
		res.Reward = &upd
	}

	o.event(wctx, "step_executed", map[string]any{
		"plan_id":       step.PlanID,
		"step_id":       step.ID,
		"ticket_id":     ticket.ID,
		"route_id":      d.route.ID,
		"capability":    step.Capability,
		"path":          string(d.path),
		"reason":        d.reason,
		"status":        string(ticketStatus),
		"latency_ms":    latencyMS,
		"cost":          out.Cost,
		"route_healthy": d.route.Healthy,
		"fallbacks":     d.fallbacks,
		"error":         errMsg,
	})
	metrics.TicketsTotal.WithLabelValues(string(ticketStatus), string(d.path)).Inc()
	metrics.StepDuration.WithLabelValues(step.Capability).Observe(latency.Seconds())

	o.logger.Info("step executed",
		zap.String("plan_id", step.PlanID),
		zap.String("step_id", step.ID),
		zap.String("route_id", d.route.ID),
		zap.String("path", string(d.path)),
		zap.String("status", string(ticketStatus)),
		zap.Float64("latency_ms", latencyMS),
	)

	sig := StepSignal{
		PlanID:       step.PlanID,
		StepID:       step.ID,
		TicketID:     ticket.ID,
		Capability:   step.Capability,
		Description:  step.Description,
		RouteID:      d.route.ID,
		Path:         d.path,
		StepStatus:   stepStatus,
		TicketStatus: ticketStatus,
		LatencyMS:    latencyMS,
		Cost:         out.Cost,
		Error:        errMsg,
		At:           o.now().UTC(),
	}
	for _, obs := range o.observers {
		obs.StepFinished(wctx, sig)
	}
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, step ledger.Step, route ledger.Route, inputs map[string]string) (adapters.ExecResult, time.Duration, error) {
	start := o.now()
	backend, err := o.backends.Resolve(route.BackendID)
	if err != nil {
		return adapters.ExecResult{}, 0, err
	}
	timeout := o.cfg.StepTimeout
	if route.Policy.TimeoutMS > 0 {
		timeout = time.Duration(route.Policy.TimeoutMS) * time.Millisecond
	}
	attempts := 1 + max(0, route.Policy.MaxRetries)

	var out adapters.ExecResult
	for attempt := 1; attempt <= attempts; attempt++ {
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err = backend.Execute(execCtx, adapters.ExecRequest{
			RouteID:    route.ID,
			BackendID:  route.BackendID,
			ToolName:   route.ToolName,
			Capability: step.Capability,
			PlanID:     step.PlanID,
			StepID:     step.ID,
			Inputs:     inputs,
			Expect:     step.Acceptance.RequiredOutputs,
			Timeout:    timeout,
		})
		cancel()
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			o.logger.Warn("backend attempt failed, retrying",
				zap.String("route_id", route.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return out, o.now().Sub(start), err
}

// decide selects the route. High-assurance selection applies to critical
// steps only and degrades adjudicator -> debate judge -> standard routing.
func (o *Orchestrator) decide(ctx context.Context, step ledger.Step, rreq router.Request, highAssurance bool) (decision, error) {
	var fallbacks []string
	if highAssurance && step.Critical {
		var top []router.Scored
		for _, s := range o.router.Rank(rreq) {
			if s.Healthy {
				top = append(top, s)
			}
			if len(top) == 2 {
				break
			}
		}
		if len(top) == 2 {
			d, fb, err := o.assure(ctx, step, top)
			fallbacks = append(fallbacks, fb...)
			if err == nil {
				d.fallbacks = fallbacks
				return d, nil
			}
		} else {
			fallbacks = append(fallbacks, "insufficient_candidates")
			metrics.AssuranceFallbacks.WithLabelValues("insufficient_candidates").Inc()
		}
	}

	sel, err := o.router.Choose(ctx, rreq)
	if err != nil {
		return decision{}, err
	}
	return decision{
		route:     sel.Route,
		path:      ledger.PathStandard,
		reason:    string(sel.Reason),
		fallbacks: fallbacks,
	}, nil
}

var errNoAssurance = errors.New("no high-assurance judge available")

func (o *Orchestrator) assure(ctx context.Context, step ledger.Step, top []router.Scored) (decision, []string, error) {
	pool := o.debateEvidence(ctx, step)
	cands := [2]debate.Candidate{debateCandidate(step, top[0], pool), debateCandidate(step, top[1], pool)}
	byID := map[string]ledger.Route{
		top[0].RouteID: top[0].Candidate().Route,
		top[1].RouteID: top[1].Candidate().Route,
	}
	var fallbacks []string

	if o.adjudicator != nil {
		adj, err := o.adjudicator.Adjudicate(ctx, AdjudicationRequest{
			Task:       step.Description,
			Rubric:     []string{"meets acceptance contract", "reliability", "cost", "latency"},
			Candidates: cands,
		})
		if err == nil {
			if route, ok := byID[adj.WinnerID]; ok {
				return decision{route: route, path: ledger.PathHighAssurance, reason: "adjudicated", adjudication: &adj}, fallbacks, nil
			}
			err = fmt.Errorf("adjudicator picked unknown candidate %q", adj.WinnerID)
		}
		o.logger.Warn("adjudicator failed, falling back to debate", zap.String("step_id", step.ID), zap.Error(err))
		fallbacks = append(fallbacks, "adjudicator")
		metrics.AssuranceFallbacks.WithLabelValues("adjudicator").Inc()
	}

	if o.judge != nil {
		v, err := o.judge.Judge(ctx, cands[:], pool)
		if err == nil {
			return decision{route: byID[v.Winner.ID], path: ledger.PathHighAssurance, reason: "debate", verdict: &v}, fallbacks, nil
		}
		o.logger.Warn("debate judge failed, falling back to standard routing", zap.String("step_id", step.ID), zap.Error(err))
		fallbacks = append(fallbacks, "mad")
		metrics.AssuranceFallbacks.WithLabelValues("mad").Inc()
		return decision{}, fallbacks, err
	}

	fallbacks = append(fallbacks, "unavailable")
	metrics.AssuranceFallbacks.WithLabelValues("unavailable").Inc()
	return decision{}, fallbacks, errNoAssurance
}

func (o *Orchestrator) debateEvidence(ctx context.Context, step ledger.Step) []debate.Evidence {
	if o.evidence == nil {
		return nil
	}
	snippets, err := o.evidence.Retrieve(ctx, step.Capability+" "+step.Description, 5)
	if err != nil {
		o.logger.Warn("evidence retrieval failed", zap.String("step_id", step.ID), zap.Error(err))
		return nil
	}
	pool := make([]debate.Evidence, 0, len(snippets))
	for _, s := range snippets {
		pool = append(pool, debate.Evidence{Citation: s.Citation, Text: s.Text, Reliability: s.Reliability})
	}
	return pool
}

// debateCandidate frames a scored route as a debate position. Evidence that
// mentions the route's tool or backend counts as a citation.
func debateCandidate(step ledger.Step, s router.Scored, pool []debate.Evidence) debate.Candidate {
	c := s.Candidate()
	l := c.Learning
	conf, risk := c.Route.Score, 0.5
	if l.TotalCount > 0 {
		conf, risk = l.SuccessRate(), 1-l.AvgReliability
	}

	var cites []string
	tool, backend := strings.ToLower(c.Route.ToolName), strings.ToLower(c.Route.BackendID)
	for _, e := range pool {
		text := strings.ToLower(e.Citation + " " + e.Text)
		if (tool != "" && strings.Contains(text, tool)) || (backend != "" && strings.Contains(text, backend)) {
			cites = append(cites, e.Citation)
		}
	}

	return debate.Candidate{
		ID:       c.Route.ID,
		Position: fmt.Sprintf("run %s with %s on %s", step.Capability, c.Route.ToolName, c.Route.BackendID),
		Rationale: []string{
			fmt.Sprintf("estimated reward %.2f", s.Reward),
			fmt.Sprintf("%d executions with success rate %.2f", l.TotalCount, l.SuccessRate()),
			fmt.Sprintf("bandit score %.3f", s.Score),
		},
		Confidence:     conf,
		CostEstimate:   l.AvgCost,
		RiskAssessment: risk,
		Citations:      cites,
	}
}

func (o *Orchestrator) ledgerFailure(op string, err error) {
	metrics.LedgerWriteFailures.Inc()
	o.logger.Warn("ledger write failed", zap.String("op", op), zap.Error(err))
}
