package planner

import (
	"fmt"
	"sort"
	"strings"
)

// ValidateGoal checks a goal request before planning.
func ValidateGoal(req GoalRequest) error {
	if strings.TrimSpace(req.Goal) == "" {
		return ErrEmptyGoal
	}
	if req.Budget.MaxCost < 0 {
		return fmt.Errorf("budget max_cost must not be negative")
	}
	if req.Budget.MaxLatencyMS < 0 {
		return fmt.Errorf("budget max_latency_ms must not be negative")
	}
	return nil
}

// ValidateDrafts checks that drafts have keys and capabilities and that their
// dependencies exist and are acyclic.
func ValidateDrafts(drafts []StepDraft) error {
	if len(drafts) == 0 {
		return fmt.Errorf("decomposition produced no steps")
	}
	keys := make(map[string]struct{}, len(drafts))
	for idx, d := range drafts {
		if strings.TrimSpace(d.Key) == "" {
			return fmt.Errorf("step %d: key is required", idx)
		}
		if strings.TrimSpace(d.Capability) == "" {
			return fmt.Errorf("step %d: capability is required", idx)
		}
		if _, dup := keys[d.Key]; dup {
			return fmt.Errorf("step %d: duplicate key %q", idx, d.Key)
		}
		keys[d.Key] = struct{}{}
	}
	for idx, d := range drafts {
		for _, dep := range d.DependsOn {
			if dep == d.Key {
				return fmt.Errorf("step %d: depends on itself", idx)
			}
			if _, ok := keys[dep]; !ok {
				return fmt.Errorf("step %d: unknown dependency %q", idx, dep)
			}
		}
	}
	if cycle := DetectCycle(drafts); cycle != nil {
		return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
	}
	return nil
}

// DetectCycle returns the keys forming a dependency cycle, or nil.
func DetectCycle(drafts []StepDraft) []string {
	byKey := make(map[string]StepDraft, len(drafts))
	for _, d := range drafts {
		byKey[d.Key] = d
	}
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(key string) []string
	dfs = func(key string) []string {
		visited[key] = true
		onStack[key] = true
		for _, dep := range byKey[key].DependsOn {
			if !visited[dep] {
				parent[dep] = key
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			} else if onStack[dep] {
				cycle := []string{dep}
				for cur := key; cur != dep; cur = parent[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				return append([]string{dep}, cycle...)
			}
		}
		onStack[key] = false
		return nil
	}

	for _, d := range drafts {
		if !visited[d.Key] {
			if cycle := dfs(d.Key); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ExecutionLayers groups drafts into topological layers; drafts in one layer
// have no dependencies on each other. Keys within a layer keep draft order.
func ExecutionLayers(drafts []StepDraft) [][]string {
	order := make(map[string]int, len(drafts))
	inDegree := make(map[string]int, len(drafts))
	for i, d := range drafts {
		order[d.Key] = i
		inDegree[d.Key] = len(d.DependsOn)
	}

	var layers [][]string
	done := make(map[string]bool)
	for len(done) < len(drafts) {
		var layer []string
		for _, d := range drafts {
			if !done[d.Key] && inDegree[d.Key] == 0 {
				layer = append(layer, d.Key)
			}
		}
		if len(layer) == 0 {
			break
		}
		sort.SliceStable(layer, func(i, j int) bool { return order[layer[i]] < order[layer[j]] })
		layers = append(layers, layer)
		for _, key := range layer {
			done[key] = true
			for _, d := range drafts {
				for _, dep := range d.DependsOn {
					if dep == key {
						inDegree[d.Key]--
					}
				}
			}
		}
	}
	return layers
}
