package registry

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// DefaultCapability is assigned when no rule matches.
const DefaultCapability = "general_execution"

// Classification is the capability inferred for a piece of text.
type Classification struct {
	Capability string   `json:"capability"`
	Confidence float64  `json:"confidence"`
	Matched    []string `json:"matched,omitempty"`
}

// CapabilityClassifier maps free text (a goal fragment or tool description)
// to a capability tag.
type CapabilityClassifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Rule maps keywords to a capability.
type Rule struct {
	Capability string   `yaml:"capability" json:"capability"`
	Keywords   []string `yaml:"keywords" json:"keywords"`
}

// DefaultRules returns the built-in keyword table.
func DefaultRules() []Rule {
	return []Rule{
		{Capability: "provision_infrastructure", Keywords: []string{"provision", "infrastructure", "cluster", "instance", "terraform", "vm"}},
		{Capability: "configure_database", Keywords: []string{"database", "db", "postgres", "mysql", "schema", "sql"}},
		{Capability: "migrate_data", Keywords: []string{"migrate", "migration", "import", "etl", "copy"}},
		{Capability: "deploy_service", Keywords: []string{"deploy", "release", "rollout", "ship", "service"}},
		{Capability: "run_tests", Keywords: []string{"test", "tests", "verify", "qa", "check"}},
		{Capability: "security_scan", Keywords: []string{"security", "scan", "vulnerability", "audit", "cve"}},
		{Capability: "backup", Keywords: []string{"backup", "snapshot", "restore"}},
		{Capability: "monitor", Keywords: []string{"monitor", "alert", "metrics", "observe", "dashboard"}},
		{Capability: "analyze_requirements", Keywords: []string{"analyze", "analyse", "requirements", "plan", "design", "assess"}},
		{Capability: "document", Keywords: []string{"document", "docs", "readme", "runbook", "report"}},
		{Capability: "incident_response", Keywords: []string{"incident", "outage", "mitigate", "triage", "page"}},
	}
}

// RuleClassifier is a deterministic keyword classifier.
type RuleClassifier struct {
	rules []Rule
}

// NewRuleClassifier builds a classifier from rules. Earlier rules win ties.
func NewRuleClassifier(rules []Rule) *RuleClassifier {
	return &RuleClassifier{rules: rules}
}

// Classify picks the rule with the most keyword hits.
func (c *RuleClassifier) Classify(_ context.Context, text string) (Classification, error) {
	tokens := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		tokens[tok] = struct{}{}
	}

	best := Classification{Capability: DefaultCapability, Confidence: 0.3}
	bestHits := 0
	for _, rule := range c.rules {
		var matched []string
		for _, kw := range rule.Keywords {
			if _, ok := tokens[kw]; ok {
				matched = append(matched, kw)
			}
		}
		if len(matched) > bestHits {
			bestHits = len(matched)
			best = Classification{
				Capability: rule.Capability,
				Confidence: math.Min(1, 0.5+0.25*float64(len(matched))),
				Matched:    matched,
			}
		}
	}
	return best, nil
}

// Tokenize lowercases text and splits it into alphanumeric words.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
