package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"routeforge/internal/ledger"
)

// ToolSpec describes one backend tool offered for binding.
type ToolSpec struct {
	BackendID   string             `yaml:"backend" json:"backend_id"`
	ToolName    string             `yaml:"tool" json:"tool_name"`
	Capability  string             `yaml:"capability,omitempty" json:"capability,omitempty"`
	Description string             `yaml:"description,omitempty" json:"description,omitempty"`
	Confidence  *float64           `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	Policy      ledger.RoutePolicy `yaml:"policy,omitempty" json:"policy"`
	Weights     *ledger.Weights    `yaml:"weights,omitempty" json:"weights,omitempty"`
}

// Catalog is a set of tool specs loaded from YAML.
type Catalog struct {
	Source string     `json:"source"`
	Tools  []ToolSpec `json:"tools"`
}

type rawCatalog struct {
	Tools []rawTool `yaml:"tools"`
}

type rawTool struct {
	Backend     string    `yaml:"backend"`
	Tool        string    `yaml:"tool"`
	Capability  string    `yaml:"capability"`
	Description string    `yaml:"description"`
	Confidence  *float64  `yaml:"confidence"`
	Policy      rawPolicy `yaml:"policy"`
	Weights     *struct {
		Cost        float64 `yaml:"cost"`
		Latency     float64 `yaml:"latency"`
		Reliability float64 `yaml:"reliability"`
	} `yaml:"weights"`
}

type rawPolicy struct {
	Mode                string `yaml:"mode"`
	MaxRetries          int    `yaml:"max_retries"`
	TimeoutMS           int64  `yaml:"timeout_ms"`
	RequiresAttestation bool   `yaml:"requires_attestation"`
}

// ValidationError captures a single field-specific catalogue problem.
type ValidationError struct {
	File    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
}

// ValidationErrors aggregates multiple catalogue problems.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}

// LoadCatalog reads a catalogue file, or every *.yml/*.yaml file of a directory.
func LoadCatalog(path string) (Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("stat catalog: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files = nil
		for _, pattern := range []string{"*.yml", "*.yaml"} {
			matches, err := filepath.Glob(filepath.Join(path, pattern))
			if err != nil {
				return Catalog{}, fmt.Errorf("scan catalog dir: %w", err)
			}
			files = append(files, matches...)
		}
		if len(files) == 0 {
			return Catalog{}, fmt.Errorf("no catalog YAML files found in %s", path)
		}
		sort.Strings(files)
	}

	merged := Catalog{Source: path}
	var vErrs ValidationErrors
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return Catalog{}, fmt.Errorf("read %s: %w", file, err)
		}
		cat, err := ParseCatalog(data, file)
		if err != nil {
			var ve ValidationErrors
			if errors.As(err, &ve) {
				vErrs = append(vErrs, ve...)
				continue
			}
			return Catalog{}, err
		}
		merged.Tools = append(merged.Tools, cat.Tools...)
	}
	if len(vErrs) > 0 {
		return Catalog{}, vErrs
	}
	if dup := duplicateTools(merged.Tools, path); len(dup) > 0 {
		return Catalog{}, dup
	}
	return merged, nil
}

// ParseCatalog decodes and validates catalogue YAML.
func ParseCatalog(data []byte, source string) (Catalog, error) {
	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Catalog{}, fmt.Errorf("parse %s: %w", source, err)
	}

	var errs ValidationErrors
	cat := Catalog{Source: source}
	for idx, t := range raw.Tools {
		field := fmt.Sprintf("tools[%d]", idx)
		if strings.TrimSpace(t.Backend) == "" {
			errs = append(errs, ValidationError{File: source, Field: field + ".backend", Message: "is required"})
		}
		if strings.TrimSpace(t.Tool) == "" {
			errs = append(errs, ValidationError{File: source, Field: field + ".tool", Message: "is required"})
		}
		if t.Confidence != nil && (*t.Confidence < 0 || *t.Confidence > 1) {
			errs = append(errs, ValidationError{File: source, Field: field + ".confidence", Message: "must be within [0,1]"})
		}
		spec := ToolSpec{
			BackendID:   strings.TrimSpace(t.Backend),
			ToolName:    strings.TrimSpace(t.Tool),
			Capability:  strings.TrimSpace(t.Capability),
			Description: strings.TrimSpace(t.Description),
			Confidence:  t.Confidence,
			Policy: ledger.RoutePolicy{
				Mode:                t.Policy.Mode,
				MaxRetries:          t.Policy.MaxRetries,
				TimeoutMS:           t.Policy.TimeoutMS,
				RequiresAttestation: t.Policy.RequiresAttestation,
			},
		}
		if t.Weights != nil {
			w := ledger.Weights{Cost: t.Weights.Cost, Latency: t.Weights.Latency, Reliability: t.Weights.Reliability}
			for name, v := range map[string]float64{"cost": w.Cost, "latency": w.Latency, "reliability": w.Reliability} {
				if v < 0 || v > 1 {
					errs = append(errs, ValidationError{File: source, Field: field + ".weights." + name, Message: "must be within [0,1]"})
				}
			}
			spec.Weights = &w
		}
		cat.Tools = append(cat.Tools, spec)
	}
	if len(errs) > 0 {
		sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
		return Catalog{}, errs
	}
	return cat, nil
}

func duplicateTools(tools []ToolSpec, source string) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]struct{})
	for idx, t := range tools {
		id := RouteID(t.BackendID, t.ToolName)
		if _, ok := seen[id]; ok {
			errs = append(errs, ValidationError{
				File:    source,
				Field:   fmt.Sprintf("tools[%d]", idx),
				Message: fmt.Sprintf("route %q declared more than once", id),
			})
			continue
		}
		seen[id] = struct{}{}
	}
	return errs
}
