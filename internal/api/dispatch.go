package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Operation describes one entry of the operation table.
type Operation struct {
	Name        string
	Description string
	call        func(ctx context.Context, s *Service, raw json.RawMessage) Response[any]
}

func operation[Req, Res any](name, description string, fn func(*Service, context.Context, Req) Response[Res]) Operation {
	return Operation{
		Name:        name,
		Description: description,
		call: func(ctx context.Context, s *Service, raw json.RawMessage) Response[any] {
			var req Req
			if err := decode(raw, &req); err != nil {
				r := respond(s, name, struct{}{}, invalid("decode %s request: %v", name, err))
				return Response[any]{Error: r.Error}
			}
			r := fn(s, ctx, req)
			if !r.OK {
				return Response[any]{Error: r.Error}
			}
			return Response[any]{OK: true, Result: r.Result}
		},
	}
}

func decode(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

var operations = []Operation{
	operation(OpSubmitGoal, "Create a plan from a goal; the decomposer yields the initial ordered steps", (*Service).SubmitGoal),
	operation(OpPlanExpand, "Beam-search alternative branches of a plan and score each one", (*Service).PlanExpand),
	operation(OpTotExplain, "Explain a branch score in qualitative bands with structural notes", (*Service).TotExplain),
	operation(OpRouteInfer, "Select the route the bandit router would use for a capability", (*Service).RouteInfer),
	operation(OpBindCapability, "Bind a backend tool to a capability as a new route", (*Service).BindCapability),
	operation(OpProfileTools, "Classify tools into capabilities and optionally bind them", (*Service).ProfileTools),
	operation(OpRunStep, "Execute a plan step through the standard or high-assurance path", (*Service).RunStep),
	operation(OpAwaitTicket, "Wait, bounded by a timeout, for a ticket to complete or fail", (*Service).AwaitTicket),
	operation(OpDryRun, "Estimate plan duration and cost from route history without executing", (*Service).DryRun),
	operation(OpCommitResult, "Attest a completed ticket and optionally archive its plan", (*Service).CommitResult),
	operation(OpOptimizeRoutes, "Nudge route weights toward a latency, cost, reliability or balanced target", (*Service).OptimizeRoutes),
	operation(OpTuneBandit, "Adjust the router exploration rate from aggregate performance", (*Service).TuneBandit),
	operation(OpAnalyzePerformance, "Report per-route and aggregate performance with recommendations", (*Service).AnalyzePerformance),
	operation(OpAuditTrail, "Return the event trail of a plan or of the whole ledger", (*Service).AuditTrail),
	operation(OpComplianceCheck, "Score a plan or the whole ledger against the compliance checks", (*Service).ComplianceCheck),
	operation(OpRiskAssessment, "List the operational risks of a plan or of the whole ledger", (*Service).RiskAssessment),
}

var operationsByName = func() map[string]Operation {
	m := make(map[string]Operation, len(operations))
	for _, op := range operations {
		m[op.Name] = op
	}
	return m
}()

// Operations returns the operation table in declaration order.
func Operations() []Operation {
	out := make([]Operation, len(operations))
	copy(out, operations)
	return out
}

// OperationNames returns the sorted operation names.
func OperationNames() []string {
	names := make([]string, 0, len(operations))
	for _, op := range operations {
		names = append(names, op.Name)
	}
	sort.Strings(names)
	return names
}

// Dispatch decodes raw as the request of op and runs it.
func (s *Service) Dispatch(ctx context.Context, op string, raw json.RawMessage) Response[any] {
	entry, ok := operationsByName[op]
	if !ok {
		r := respond(s, "unknown", struct{}{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op))
		return Response[any]{Error: r.Error}
	}
	return entry.call(ctx, s, raw)
}
