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

// Package adapter defines the service adapter capability consumed by the
// workflow engine, the capability catalog that describes what integrated
// services can do, and a registry that throttles concurrent dispatch per
// service.
//
// Adapters themselves (OAuth, HTTP clients, per-service API bindings) are
// external collaborators; the engine only depends on the Invoke contract
// defined here.
package adapter

import (
	"context"
	"sort"
	"strings"
)

// ServiceAdapter performs a single service action given parameters.
//
// Contract: implementations MUST follow Go conventions:
//   - On success: return (result, nil) where result is non-nil
//   - On error: return (nil, error), preferably an *errors.AdapterError
//     so the engine can classify it as transient or permanent
type ServiceAdapter interface {
	// Invoke executes one action against the backing service.
	// Implementations should honor ctx cancellation and deadlines.
	Invoke(ctx context.Context, action string, params map[string]any) (Result, error)
}

// Func adapts a plain function to the ServiceAdapter interface.
type Func func(ctx context.Context, action string, params map[string]any) (Result, error)

// Invoke calls the function.
func (f Func) Invoke(ctx context.Context, action string, params map[string]any) (Result, error) {
	return f(ctx, action, params)
}

// Result is the output of a single adapter invocation.
type Result map[string]any

// Capability describes one (service, action) pair the generator can bind
// instruction clauses to.
type Capability struct {
	// Service is the integrated service name (e.g. "gmail", "asana").
	Service string `yaml:"service" json:"service"`

	// Action is the action verb (e.g. "search_emails", "create_task").
	Action string `yaml:"action" json:"action"`

	// Description provides human-readable context about the action.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Keywords are the instruction words that select this capability.
	// Matching is case-insensitive on whole words.
	Keywords []string `yaml:"keywords" json:"keywords"`

	// RequiredParams lists parameter names the adapter needs.
	RequiredParams []string `yaml:"required_params,omitempty" json:"required_params,omitempty"`

	// EstimatedDuration is a latency hint in seconds, used by the
	// analyzer for stage-width suggestions.
	EstimatedDuration float64 `yaml:"estimated_duration,omitempty" json:"estimated_duration,omitempty"`

	// Trigger marks capabilities that observe events rather than cause
	// them (e.g. searching a mailbox). Trigger capabilities anchor
	// conditional clauses ("when", "if").
	Trigger bool `yaml:"trigger,omitempty" json:"trigger,omitempty"`

	// Idempotent marks actions that are safe to re-run. The reliability
	// strategy inflates retries only for non-idempotent steps.
	Idempotent bool `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`

	// SideEffectFree marks read-only actions. The reliability strategy
	// suggests reordering these first.
	SideEffectFree bool `yaml:"side_effect_free,omitempty" json:"side_effect_free,omitempty"`

	// RateLimited marks services with tight quota budgets. The cost
	// strategy serializes concurrent steps on rate-limited services.
	RateLimited bool `yaml:"rate_limited,omitempty" json:"rate_limited,omitempty"`
}

// Ref returns the canonical "service.action" reference for a capability.
func (c Capability) Ref() string {
	return c.Service + "." + c.Action
}

// Catalog is the set of capabilities available to the workflow generator.
// Iteration order is deterministic: capabilities are kept sorted by
// (service, action) so generation never depends on load order.
type Catalog struct {
	capabilities []Capability
}

// NewCatalog builds a catalog from the given capabilities.
// The input slice is copied and sorted; duplicates by (service, action)
// keep the first occurrence.
func NewCatalog(caps []Capability) *Catalog {
	sorted := make([]Capability, 0, len(caps))
	seen := make(map[string]bool, len(caps))
	for _, c := range caps {
		key := c.Ref()
		if seen[key] {
			continue
		}
		seen[key] = true
		sorted = append(sorted, c)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Service != sorted[j].Service {
			return sorted[i].Service < sorted[j].Service
		}
		return sorted[i].Action < sorted[j].Action
	})
	return &Catalog{capabilities: sorted}
}

// Capabilities returns all capabilities in deterministic order.
func (c *Catalog) Capabilities() []Capability {
	out := make([]Capability, len(c.capabilities))
	copy(out, c.capabilities)
	return out
}

// Lookup returns the capability for the given service and action.
func (c *Catalog) Lookup(service, action string) (Capability, bool) {
	for _, cap := range c.capabilities {
		if cap.Service == service && cap.Action == action {
			return cap, true
		}
	}
	return Capability{}, false
}

// ForService returns all capabilities of a single service.
func (c *Catalog) ForService(service string) []Capability {
	var out []Capability
	for _, cap := range c.capabilities {
		if cap.Service == service {
			out = append(out, cap)
		}
	}
	return out
}

// Services returns the distinct service names in the catalog, sorted.
func (c *Catalog) Services() []string {
	var out []string
	var last string
	for _, cap := range c.capabilities {
		if cap.Service != last {
			out = append(out, cap.Service)
			last = cap.Service
		}
	}
	return out
}

// Len returns the number of capabilities.
func (c *Catalog) Len() int {
	return len(c.capabilities)
}

// MatchesKeyword reports whether the capability's keyword list contains
// the given word (case-insensitive).
func (c Capability) MatchesKeyword(word string) bool {
	for _, kw := range c.Keywords {
		if strings.EqualFold(kw, word) {
			return true
		}
	}
	return false
}
