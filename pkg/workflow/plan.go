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

import "time"

// Strategy selects the optimization profile for plan layering and
// suggestion generation. Strategies affect tie-breaks and advisory
// suggestions, never plan validity.
type Strategy string

const (
	// StrategyPerformance maximizes stage width for parallelism.
	StrategyPerformance Strategy = "performance"

	// StrategyCost serializes steps that share a rate-limited service to
	// avoid concurrent quota consumption.
	StrategyCost Strategy = "cost"

	// StrategyReliability inflates retries for non-idempotent steps and
	// prefers running side-effect-free steps first.
	StrategyReliability Strategy = "reliability"
)

// ParseStrategy validates a strategy string, defaulting to performance
// when empty.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyPerformance, StrategyCost, StrategyReliability:
		return Strategy(s), true
	case "":
		return StrategyPerformance, true
	default:
		return "", false
	}
}

// Stage is a group of step IDs whose dependencies are fully satisfied by
// earlier stages; its members are eligible to run concurrently.
type Stage []string

// Plan is an ordered partition of a workflow's steps into stages.
//
// Invariants: the concatenation of all stages is exactly the step set of
// the source definition, and every step's dependencies lie in a strictly
// earlier stage.
type Plan struct {
	// ID is the unique plan identifier
	ID string `json:"plan_id"`

	// WorkflowID references the source definition
	WorkflowID string `json:"workflow_id"`

	// Strategy is the optimization profile the plan was layered under
	Strategy Strategy `json:"strategy"`

	// Stages are executed strictly in order; steps within a stage are
	// dispatched concurrently
	Stages []Stage `json:"stages"`

	// RetryOverrides replaces the retry policy of individual steps
	// (populated by the reliability strategy for non-idempotent steps)
	RetryOverrides map[string]RetryPolicy `json:"retry_overrides,omitempty"`

	// CreatedAt is when the plan was produced
	CreatedAt time.Time `json:"created_at"`
}

// StepIDs returns all step IDs in stage order.
func (p *Plan) StepIDs() []string {
	var out []string
	for _, stage := range p.Stages {
		out = append(out, stage...)
	}
	return out
}

// StageOf returns the zero-based stage index containing the step ID,
// or -1 when the step is not in the plan.
func (p *Plan) StageOf(stepID string) int {
	for i, stage := range p.Stages {
		for _, id := range stage {
			if id == stepID {
				return i
			}
		}
	}
	return -1
}

// Suggestion kinds emitted by the analyzer.
const (
	SuggestionParallelize = "parallelize"
	SuggestionMerge       = "merge"
	SuggestionCache       = "cache"
	SuggestionReorder     = "reorder"
)

// Suggestion is an advisory optimization hint. Suggestions never mutate
// the plan they accompany.
type Suggestion struct {
	// Kind is one of parallelize, merge, cache, reorder
	Kind string `json:"kind"`

	// TargetStepIDs identifies the steps the suggestion applies to
	TargetStepIDs []string `json:"target_step_ids"`

	// EstimatedGainSeconds is the projected saving when the suggestion
	// is applied
	EstimatedGainSeconds float64 `json:"estimated_gain_seconds,omitempty"`

	// Rationale explains the suggestion in one sentence
	Rationale string `json:"rationale,omitempty"`
}
