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

// Package workflow provides the cross-service workflow automation core:
// generating dependency-ordered workflow definitions from natural-language
// instructions, layering them into optimized execution plans, and running
// plans against external service adapters with partial-failure handling.
package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/autoflowhq/autoflow/pkg/errors"
)

// Definition represents a generated workflow: a set of steps bound to
// concrete service actions with an acyclic dependency graph.
//
// Definitions are immutable once generated; a new instruction produces a
// new definition rather than editing an existing one in place.
type Definition struct {
	// ID is the unique workflow identifier
	ID string `yaml:"id" json:"id"`

	// Name is a short human-readable workflow name
	Name string `yaml:"name" json:"name"`

	// Description provides context about what the workflow automates,
	// typically the originating instruction
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// OwnerID identifies the user the workflow was generated for
	OwnerID string `yaml:"owner_id,omitempty" json:"owner_id,omitempty"`

	// Steps are the executable units of the workflow
	Steps []Step `yaml:"steps" json:"steps"`

	// CreatedAt is when the definition was generated
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// Step represents a single service action within a workflow.
type Step struct {
	// ID is the unique step identifier within this workflow
	ID string `yaml:"id" json:"id"`

	// Action is the action verb (e.g. "search_emails", "create_task")
	Action string `yaml:"action" json:"action"`

	// Service is the target service name (e.g. "gmail", "asana")
	Service string `yaml:"service" json:"service"`

	// Parameters maps parameter names to values passed to the adapter
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// DependsOn lists step IDs this step waits for. The graph over all
	// steps must form a DAG.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// EstimatedDuration is a latency hint in seconds from capability
	// metadata, used by the analyzer
	EstimatedDuration float64 `yaml:"estimated_duration,omitempty" json:"estimated_duration,omitempty"`

	// Timeout sets the maximum invocation time for this step in seconds.
	// Zero applies the engine default. Exceeding it is treated as a
	// transient adapter error.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retry configures retry behavior for transient adapter errors
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Condition is an optional guard expression evaluated against
	// upstream step outputs just before dispatch. A false result skips
	// the step. Generated definitions never carry conditions; they are
	// available to caller-authored definitions.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Trigger marks the step that anchors a conditional clause
	// ("when", "if"); subsequent steps depend on it
	Trigger bool `yaml:"trigger,omitempty" json:"trigger,omitempty"`
}

// RetryPolicy configures retries for transient step failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of adapter invocations allowed,
	// including the first
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffBase is the initial backoff in seconds; each retry doubles
	// it, capped at MaxBackoff
	BackoffBase float64 `yaml:"backoff_base" json:"backoff_base"`
}

// Default retry and timeout values applied when a step leaves them unset.
const (
	// DefaultRetryMaxAttempts is the default number of adapter invocations.
	DefaultRetryMaxAttempts = 3

	// DefaultRetryBackoffBase is the base backoff duration in seconds.
	DefaultRetryBackoffBase = 1.0

	// MaxBackoff caps the exponential backoff between attempts.
	MaxBackoff = 30 * time.Second

	// DefaultStepTimeout is the default per-invocation timeout in seconds.
	DefaultStepTimeout = 30
)

// DefaultRetryPolicy returns the retry policy applied to steps that do
// not carry one.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: DefaultRetryMaxAttempts,
		BackoffBase: DefaultRetryBackoffBase,
	}
}

// EffectiveRetry returns the step's retry policy or the default.
func (s *Step) EffectiveRetry() *RetryPolicy {
	if s.Retry != nil && s.Retry.MaxAttempts > 0 {
		return s.Retry
	}
	return DefaultRetryPolicy()
}

// EffectiveTimeout returns the step's invocation timeout.
func (s *Step) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return time.Duration(s.Timeout) * time.Second
	}
	return DefaultStepTimeout * time.Second
}

// Validate checks the structural invariants of a definition: non-empty
// step set, unique step IDs, dependency references that resolve within
// the definition, and an acyclic dependency graph.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:   "steps",
			Message: "workflow has no steps",
		}
	}

	byID := make(map[string]*Step, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step %d has no id", i),
			}
		}
		if _, exists := byID[step.ID]; exists {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		if step.Service == "" || step.Action == "" {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step %q missing service or action", step.ID),
			}
		}
		byID[step.ID] = step
	}

	for i := range d.Steps {
		step := &d.Steps[i]
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &errors.ValidationError{
					Field:   "depends_on",
					Message: fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep),
				}
			}
			if dep == step.ID {
				return &errors.ValidationError{
					Field:   "depends_on",
					Message: fmt.Sprintf("step %q depends on itself", step.ID),
				}
			}
		}
	}

	if cycle := findCycle(d.Steps); len(cycle) > 0 {
		return &errors.ValidationError{
			Field:   "depends_on",
			Message: fmt.Sprintf("dependency cycle: %v", cycle),
		}
	}

	return nil
}

// Step returns the step with the given ID.
func (d *Definition) Step(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepIDs returns the IDs of all steps in definition order.
func (d *Definition) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Dependents returns the reverse dependency map: for each step ID, the
// IDs of steps that directly depend on it. Slices are sorted for
// deterministic iteration.
func (d *Definition) Dependents() map[string][]string {
	out := make(map[string][]string, len(d.Steps))
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			out[dep] = append(out[dep], s.ID)
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

// Leaves returns the IDs of steps no other step depends on, in
// definition order. Leaf outcomes decide the run's terminal status.
func (d *Definition) Leaves() []string {
	dependents := d.Dependents()
	var leaves []string
	for _, s := range d.Steps {
		if len(dependents[s.ID]) == 0 {
			leaves = append(leaves, s.ID)
		}
	}
	return leaves
}

// findCycle runs a depth-first search over the dependency graph and
// returns the step IDs on the first cycle found, or nil.
func findCycle(steps []Step) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	state := make(map[string]int, len(steps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case visiting:
				// Found a back edge; report the cycle portion of the stack.
				for i, on := range stack {
					if on == dep {
						cycle = append(cycle, stack[i:]...)
						return true
					}
				}
				cycle = append(cycle, dep, id)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, s := range steps {
		if state[s.ID] == unvisited {
			if visit(s.ID) {
				return cycle
			}
		}
	}
	return nil
}
