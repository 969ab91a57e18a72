// Copyright 2026 Autoflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/autoflowhq/autoflow/pkg/adapter"
	"github.com/autoflowhq/autoflow/pkg/errors"
)

// RunHistory answers whether a prior run already produced a successful
// result for an identical invocation. The analyzer uses it for cache
// suggestions; implementations may be backed by the run archive.
type RunHistory interface {
	HasSuccessfulInvocation(ctx context.Context, service, action string, params map[string]any) (bool, error)
}

// Analyzer layers workflow definitions into stage-parallel execution
// plans and produces advisory optimization suggestions.
//
// The layering is a topological sort (Kahn's algorithm): stage k holds
// every step whose dependencies are all satisfied by stages 0..k-1.
// This maximizes parallel width per stage; the chosen strategy only
// affects intra-stage ordering, cost-driven serialization, retry
// overrides, and suggestions.
type Analyzer struct {
	catalog *adapter.Catalog
	history RunHistory
}

// NewAnalyzer creates an analyzer over the capability catalog.
func NewAnalyzer(catalog *adapter.Catalog) *Analyzer {
	return &Analyzer{catalog: catalog}
}

// WithHistory attaches a run history source for cache suggestions.
func (a *Analyzer) WithHistory(h RunHistory) *Analyzer {
	a.history = h
	return a
}

// Analyze produces an execution plan and suggestions for a definition
// under the given strategy. It fails with an InfeasiblePlanError when
// the dependency graph has a cycle or references an unknown step.
func (a *Analyzer) Analyze(ctx context.Context, def *Definition, strategy Strategy) (*Plan, []Suggestion, error) {
	if len(def.Steps) == 0 {
		return nil, nil, &errors.InfeasiblePlanError{Reason: "workflow has no steps"}
	}

	byID := make(map[string]*Step, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if _, dup := byID[step.ID]; dup {
			return nil, nil, &errors.InfeasiblePlanError{
				Reason:  "duplicate step id",
				StepIDs: []string{step.ID},
			}
		}
		byID[step.ID] = step
	}
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, nil, &errors.InfeasiblePlanError{
					Reason:  fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep),
					StepIDs: []string{step.ID, dep},
				}
			}
		}
	}

	layers, err := layer(def)
	if err != nil {
		return nil, nil, err
	}

	stages := a.shapeStages(def, layers, strategy, byID)

	plan := &Plan{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Strategy:   strategy,
		Stages:     stages,
		CreatedAt:  time.Now().UTC(),
	}

	if strategy == StrategyReliability {
		plan.RetryOverrides = a.reliabilityRetries(def, byID)
	}

	suggestions := a.suggest(ctx, def, plan, strategy, byID)

	return plan, suggestions, nil
}

// layer computes the topological layering via Kahn's algorithm. Layers
// preserve definition order for determinism. A non-empty remainder means
// the graph has a cycle.
func layer(def *Definition) ([][]string, error) {
	indegree := make(map[string]int, len(def.Steps))
	for _, step := range def.Steps {
		indegree[step.ID] = len(step.DependsOn)
	}
	dependents := def.Dependents()

	assigned := 0
	var layers [][]string
	for assigned < len(def.Steps) {
		var current []string
		for _, step := range def.Steps {
			if indegree[step.ID] == 0 {
				current = append(current, step.ID)
				indegree[step.ID] = -1 // claimed
			}
		}
		if len(current) == 0 {
			var stuck []string
			for _, step := range def.Steps {
				if indegree[step.ID] > 0 {
					stuck = append(stuck, step.ID)
				}
			}
			return nil, &errors.InfeasiblePlanError{
				Reason:  "dependency cycle detected",
				StepIDs: stuck,
			}
		}
		for _, id := range current {
			for _, dependent := range dependents[id] {
				if indegree[dependent] > 0 {
					indegree[dependent]--
				}
			}
		}
		layers = append(layers, current)
		assigned += len(current)
	}
	return layers, nil
}

// shapeStages applies strategy-specific intra-stage ordering and, under
// the cost strategy, serializes steps sharing a rate-limited service
// into consecutive stages.
func (a *Analyzer) shapeStages(def *Definition, layers [][]string, strategy Strategy, byID map[string]*Step) []Stage {
	var stages []Stage
	for _, ids := range layers {
		ordered := append([]string(nil), ids...)

		switch strategy {
		case StrategyPerformance:
			// Longest step first so the stage's critical path starts
			// immediately.
			sort.SliceStable(ordered, func(i, j int) bool {
				return byID[ordered[i]].EstimatedDuration > byID[ordered[j]].EstimatedDuration
			})
		case StrategyReliability:
			// Side-effect-free steps first.
			sort.SliceStable(ordered, func(i, j int) bool {
				return a.sideEffectFree(byID[ordered[i]]) && !a.sideEffectFree(byID[ordered[j]])
			})
		}

		if strategy == StrategyCost {
			stages = append(stages, a.serializeRateLimited(ordered, byID)...)
			continue
		}
		stages = append(stages, Stage(ordered))
	}
	return stages
}

// serializeRateLimited splits one layer into consecutive stages so that
// no stage holds two steps targeting the same rate-limited service.
func (a *Analyzer) serializeRateLimited(ids []string, byID map[string]*Step) []Stage {
	var out []Stage
	for _, id := range ids {
		step := byID[id]
		placed := false
		for i := range out {
			if !a.rateLimited(step) || !stageHasService(out[i], step.Service, byID) {
				out[i] = append(out[i], id)
				placed = true
				break
			}
		}
		if !placed {
			out = append(out, Stage{id})
		}
	}
	return out
}

func stageHasService(stage Stage, service string, byID map[string]*Step) bool {
	for _, id := range stage {
		if byID[id].Service == service {
			return true
		}
	}
	return false
}

// reliabilityRetries inflates the retry budget of steps with no
// idempotency guarantee.
func (a *Analyzer) reliabilityRetries(def *Definition, byID map[string]*Step) map[string]RetryPolicy {
	overrides := make(map[string]RetryPolicy)
	for _, step := range def.Steps {
		if a.idempotent(&step) {
			continue
		}
		base := step.EffectiveRetry()
		overrides[step.ID] = RetryPolicy{
			MaxAttempts: base.MaxAttempts + 2,
			BackoffBase: base.BackoffBase,
		}
	}
	if len(overrides) == 0 {
		return nil
	}
	return overrides
}

// suggest produces the advisory suggestion list for a plan. Suggestions
// never mutate the plan.
func (a *Analyzer) suggest(ctx context.Context, def *Definition, plan *Plan, strategy Strategy, byID map[string]*Step) []Suggestion {
	var out []Suggestion

	switch strategy {
	case StrategyPerformance:
		out = append(out, a.dominanceSuggestions(plan, byID)...)
		out = append(out, a.cacheSuggestions(ctx, def)...)
	case StrategyCost:
		out = append(out, a.mergeSuggestions(plan, byID)...)
	case StrategyReliability:
		out = append(out, a.reorderSuggestions(def, byID)...)
	}

	return out
}

// dominanceSuggestions flags steps whose estimated duration dominates a
// multi-step stage as parallelize candidates.
func (a *Analyzer) dominanceSuggestions(plan *Plan, byID map[string]*Step) []Suggestion {
	var out []Suggestion
	for _, stage := range plan.Stages {
		if len(stage) < 2 {
			continue
		}
		longest, second := "", 0.0
		var longestDur float64
		for _, id := range stage {
			d := byID[id].EstimatedDuration
			if d > longestDur {
				second = longestDur
				longest, longestDur = id, d
			} else if d > second {
				second = d
			}
		}
		if longest != "" && longestDur >= 2*second && second > 0 {
			out = append(out, Suggestion{
				Kind:                 SuggestionParallelize,
				TargetStepIDs:        []string{longest},
				EstimatedGainSeconds: longestDur - second,
				Rationale:            fmt.Sprintf("step %s dominates its stage; splitting it would shorten the stage", longest),
			})
		}
	}
	return out
}

// cacheSuggestions flags steps whose identical invocation already
// succeeded in a prior run.
func (a *Analyzer) cacheSuggestions(ctx context.Context, def *Definition) []Suggestion {
	if a.history == nil {
		return nil
	}
	var out []Suggestion
	for _, step := range def.Steps {
		hit, err := a.history.HasSuccessfulInvocation(ctx, step.Service, step.Action, step.Parameters)
		if err != nil || !hit {
			continue
		}
		out = append(out, Suggestion{
			Kind:                 SuggestionCache,
			TargetStepIDs:        []string{step.ID},
			EstimatedGainSeconds: step.EstimatedDuration,
			Rationale:            "a prior run invoked this action with identical parameters",
		})
	}
	return out
}

// mergeSuggestions flags consecutive steps on the same service with
// compatible parameter shapes as merge candidates.
func (a *Analyzer) mergeSuggestions(plan *Plan, byID map[string]*Step) []Suggestion {
	ids := plan.StepIDs()
	var out []Suggestion
	for i := 0; i+1 < len(ids); i++ {
		cur, next := byID[ids[i]], byID[ids[i+1]]
		if cur.Service != next.Service || !compatibleParams(cur.Parameters, next.Parameters) {
			continue
		}
		out = append(out, Suggestion{
			Kind:          SuggestionMerge,
			TargetStepIDs: []string{cur.ID, next.ID},
			Rationale:     fmt.Sprintf("adjacent %s steps can share one invocation to save quota", cur.Service),
		})
	}
	return out
}

// reorderSuggestions recommends running side-effect-free steps before
// steps with side effects.
func (a *Analyzer) reorderSuggestions(def *Definition, byID map[string]*Step) []Suggestion {
	var safe []string
	sideEffects := false
	for _, step := range def.Steps {
		if a.sideEffectFree(&step) {
			safe = append(safe, step.ID)
		} else {
			sideEffects = true
		}
	}
	if len(safe) == 0 || !sideEffects {
		return nil
	}
	return []Suggestion{{
		Kind:          SuggestionReorder,
		TargetStepIDs: safe,
		Rationale:     "running read-only steps first limits partial side effects on failure",
	}}
}

// compatibleParams reports whether two parameter maps share the same key
// set, the analyzer's notion of mergeable invocations.
func compatibleParams(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func (a *Analyzer) capability(step *Step) (adapter.Capability, bool) {
	if a.catalog == nil {
		return adapter.Capability{}, false
	}
	return a.catalog.Lookup(step.Service, step.Action)
}

func (a *Analyzer) idempotent(step *Step) bool {
	cap, ok := a.capability(step)
	return ok && cap.Idempotent
}

func (a *Analyzer) sideEffectFree(step *Step) bool {
	cap, ok := a.capability(step)
	return ok && cap.SideEffectFree
}

func (a *Analyzer) rateLimited(step *Step) bool {
	cap, ok := a.capability(step)
	return ok && cap.RateLimited
}
