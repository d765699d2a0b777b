// Package guardrails checks execution results against step acceptance
// contracts and fingerprints them for attestation.
package guardrails

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"routeforge/internal/ledger"
)

// Violation is one breach of an acceptance contract.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Violations is a non-empty list of breaches.
type Violations []Violation

func (v Violations) Error() string {
	parts := make([]string, 0, len(v))
	for _, item := range v {
		parts = append(parts, item.Field+": "+item.Message)
	}
	return "acceptance contract not met: " + strings.Join(parts, "; ")
}

// CheckOutputs validates outputs and quality against an acceptance contract.
// Required outputs must be present and non-empty. It returns nil or Violations.
func CheckOutputs(acceptance ledger.Acceptance, outputs map[string]any, quality float64) error {
	var violations Violations

	required := append([]string(nil), acceptance.RequiredOutputs...)
	sort.Strings(required)
	for _, key := range required {
		value, ok := outputs[key]
		if !ok {
			violations = append(violations, Violation{Field: key, Message: "missing required output"})
			continue
		}
		if isEmpty(value) {
			violations = append(violations, Violation{Field: key, Message: "required output is empty"})
		}
	}
	if acceptance.MinQuality > 0 && quality < acceptance.MinQuality {
		violations = append(violations, Violation{
			Field:   "quality_score",
			Message: fmt.Sprintf("%.2f is below the minimum %.2f", quality, acceptance.MinQuality),
		})
	}

	if len(violations) > 0 {
		return violations
	}
	return nil
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

// OutputDigest returns a stable "sha256:<hex>" fingerprint of outputs. Map
// keys are serialised in sorted order, so equal outputs hash equally.
func OutputDigest(outputs map[string]any) (string, error) {
	if outputs == nil {
		outputs = map[string]any{}
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return "", fmt.Errorf("encode outputs: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
