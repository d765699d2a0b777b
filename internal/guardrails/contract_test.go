package guardrails

import (
	"errors"
	"strings"
	"testing"

	"routeforge/internal/ledger"
)

func TestCheckOutputs_Satisfied(t *testing.T) {
	acceptance := ledger.Acceptance{RequiredOutputs: []string{"connection_string"}, MinQuality: 0.5}
	outputs := map[string]any{"connection_string": "postgres://db:5432/app"}

	if err := CheckOutputs(acceptance, outputs, 0.9); err != nil {
		t.Fatalf("CheckOutputs() = %v, want nil", err)
	}
}

func TestCheckOutputs_EmptyContract(t *testing.T) {
	if err := CheckOutputs(ledger.Acceptance{}, nil, 0); err != nil {
		t.Fatalf("empty contract should always pass, got %v", err)
	}
}

func TestCheckOutputs_Violations(t *testing.T) {
	acceptance := ledger.Acceptance{RequiredOutputs: []string{"endpoint", "connection_string", "owner"}, MinQuality: 0.8}
	outputs := map[string]any{"connection_string": "  ", "owner": []any{}}

	err := CheckOutputs(acceptance, outputs, 0.4)
	if err == nil {
		t.Fatal("CheckOutputs() should fail")
	}
	var violations Violations
	if !errors.As(err, &violations) {
		t.Fatalf("error type = %T, want Violations", err)
	}
	if len(violations) != 4 {
		t.Fatalf("got %d violations, want 4: %v", len(violations), violations)
	}
	if violations[0].Field != "connection_string" || violations[1].Field != "endpoint" {
		t.Errorf("violations not in sorted field order: %v", violations)
	}
	if !strings.Contains(err.Error(), "quality_score") {
		t.Errorf("error %q should mention quality_score", err.Error())
	}
}

func TestOutputDigest_Stable(t *testing.T) {
	a, err := OutputDigest(map[string]any{"b": 2, "a": "x"})
	if err != nil {
		t.Fatalf("OutputDigest() error = %v", err)
	}
	b, err := OutputDigest(map[string]any{"a": "x", "b": 2})
	if err != nil {
		t.Fatalf("OutputDigest() error = %v", err)
	}
	if a != b {
		t.Errorf("digests differ for equal outputs: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "sha256:") || len(a) != len("sha256:")+64 {
		t.Errorf("unexpected digest format %q", a)
	}

	c, _ := OutputDigest(map[string]any{"a": "y", "b": 2})
	if c == a {
		t.Error("different outputs should not share a digest")
	}
}
