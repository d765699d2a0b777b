package planner

import (
	"context"
	"fmt"

	"routeforge/internal/ledger"
	"routeforge/internal/registry"
)

// Decomposer turns a goal into an initial ordered step list.
type Decomposer interface {
	Decompose(ctx context.Context, req GoalRequest) (Decomposition, error)
}

// Method is one HTN method: a task network applicable when every trigger
// group has at least one keyword in the goal.
type Method struct {
	Name     string
	Triggers [][]string
	Steps    []StepDraft
}

func (m Method) matches(tokens map[string]struct{}) (int, bool) {
	hits := 0
	for _, group := range m.Triggers {
		found := false
		for _, kw := range group {
			if _, ok := tokens[kw]; ok {
				found = true
				hits++
			}
		}
		if !found {
			return 0, false
		}
	}
	return hits, true
}

// HTNDecomposer selects the best matching method, falling back to a generic
// analyse, execute, verify network built around the classified capability.
type HTNDecomposer struct {
	methods    []Method
	classifier registry.CapabilityClassifier
}

// NewHTNDecomposer builds a decomposer. Nil methods select DefaultMethods and a
// nil classifier selects the rule-based default.
func NewHTNDecomposer(methods []Method, classifier registry.CapabilityClassifier) *HTNDecomposer {
	if methods == nil {
		methods = DefaultMethods()
	}
	if classifier == nil {
		classifier = registry.NewRuleClassifier(registry.DefaultRules())
	}
	return &HTNDecomposer{methods: methods, classifier: classifier}
}

// Decompose implements Decomposer.
func (d *HTNDecomposer) Decompose(ctx context.Context, req GoalRequest) (Decomposition, error) {
	tokens := make(map[string]struct{})
	for _, tok := range registry.Tokenize(req.Goal) {
		tokens[tok] = struct{}{}
	}

	best := -1
	bestHits := 0
	for i, m := range d.methods {
		if hits, ok := m.matches(tokens); ok && hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best >= 0 {
		return Decomposition{Method: d.methods[best].Name, Steps: cloneDrafts(d.methods[best].Steps)}, nil
	}

	cls, err := d.classifier.Classify(ctx, req.Goal)
	if err != nil {
		return Decomposition{}, fmt.Errorf("classify goal: %w", err)
	}
	return Decomposition{
		Method: "generic",
		Steps: []StepDraft{
			{Key: "analyze", Capability: "analyze_requirements", Description: "Analyze requirements for: " + req.Goal},
			{Key: "execute", Capability: cls.Capability, Description: req.Goal, Critical: true, DependsOn: []string{"analyze"}},
			{Key: "verify", Capability: "run_tests", Description: "Verify outcome of: " + req.Goal, DependsOn: []string{"execute"}},
		},
	}, nil
}

// DefaultMethods returns the built-in task networks.
func DefaultMethods() []Method {
	return []Method{
		{
			Name: "provision_database",
			Triggers: [][]string{
				{"provision", "create", "setup", "stand", "bootstrap"},
				{"database", "db", "postgres", "mysql"},
			},
			Steps: []StepDraft{
				{Key: "analyze", Capability: "analyze_requirements", Description: "Capture sizing, engine and availability requirements"},
				{Key: "infra", Capability: "provision_infrastructure", Description: "Provision database hosts and storage", Critical: true, DependsOn: []string{"analyze"}},
				{Key: "configure", Capability: "configure_database", Description: "Install engine, create schema and users", Critical: true, DependsOn: []string{"infra"},
					Acceptance: ledger.Acceptance{RequiredOutputs: []string{"connection_string"}}},
				{Key: "monitor", Capability: "monitor", Description: "Wire health checks and alerts", DependsOn: []string{"configure"}},
				{Key: "test", Capability: "run_tests", Description: "Run connectivity and failover checks", DependsOn: []string{"configure"}},
				{Key: "docs", Capability: "document", Description: "Write the operations runbook", DependsOn: []string{"monitor", "test"}},
			},
		},
		{
			Name:     "deploy_service",
			Triggers: [][]string{{"deploy", "release", "rollout", "ship"}},
			Steps: []StepDraft{
				{Key: "analyze", Capability: "analyze_requirements", Description: "Review change set and rollout constraints"},
				{Key: "test", Capability: "run_tests", Description: "Run the test suite", DependsOn: []string{"analyze"}},
				{Key: "scan", Capability: "security_scan", Description: "Scan artifacts for vulnerabilities", DependsOn: []string{"analyze"}},
				{Key: "deploy", Capability: "deploy_service", Description: "Roll out the release", Critical: true, DependsOn: []string{"test", "scan"}},
				{Key: "monitor", Capability: "monitor", Description: "Watch error rates after rollout", DependsOn: []string{"deploy"}},
				{Key: "docs", Capability: "document", Description: "Publish release notes", DependsOn: []string{"deploy"}},
			},
		},
		{
			Name:     "migrate_data",
			Triggers: [][]string{{"migrate", "migration", "etl"}},
			Steps: []StepDraft{
				{Key: "analyze", Capability: "analyze_requirements", Description: "Map source and target schemas"},
				{Key: "backup", Capability: "backup", Description: "Snapshot the source data", Critical: true, DependsOn: []string{"analyze"}},
				{Key: "migrate", Capability: "migrate_data", Description: "Copy and transform data", Critical: true, DependsOn: []string{"backup"}},
				{Key: "test", Capability: "run_tests", Description: "Reconcile row counts and checksums", DependsOn: []string{"migrate"}},
				{Key: "docs", Capability: "document", Description: "Record the migration report", DependsOn: []string{"test"}},
			},
		},
		{
			Name:     "incident_response",
			Triggers: [][]string{{"incident", "outage", "degradation"}},
			Steps: []StepDraft{
				{Key: "triage", Capability: "incident_response", Description: "Triage and mitigate impact", Critical: true},
				{Key: "monitor", Capability: "monitor", Description: "Confirm recovery on dashboards", DependsOn: []string{"triage"}},
				{Key: "docs", Capability: "document", Description: "Write the incident review", DependsOn: []string{"monitor"}},
			},
		},
	}
}

func cloneDrafts(in []StepDraft) []StepDraft {
	out := make([]StepDraft, len(in))
	for i, d := range in {
		d.DependsOn = append([]string(nil), d.DependsOn...)
		d.Acceptance.RequiredOutputs = append([]string(nil), d.Acceptance.RequiredOutputs...)
		if d.Inputs != nil {
			inputs := make(map[string]string, len(d.Inputs))
			for k, v := range d.Inputs {
				inputs[k] = v
			}
			d.Inputs = inputs
		}
		out[i] = d
	}
	return out
}
