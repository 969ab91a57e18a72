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

package errors

import (
	"fmt"
	"time"
)

// ParseError represents a failure to turn an instruction into workflow steps.
// It is surfaced to the caller and never retried.
type ParseError struct {
	// Reason is a stable, machine-matchable description of the failure
	// (e.g. "no recognizable service action", "ambiguous reference").
	Reason string

	// Detail carries optional human-readable context, such as the clause
	// that could not be resolved.
	Detail string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("parse error: %s (%s)", e.Reason, e.Detail)
	}
	return fmt.Sprintf("parse error: %s", e.Reason)
}

// InfeasiblePlanError indicates a workflow definition whose dependency
// graph cannot be layered into stages (cycle or unknown step reference).
// This is a caller error and is never retried.
type InfeasiblePlanError struct {
	// Reason explains why no plan could be produced.
	Reason string

	// StepIDs identifies the steps involved, when known.
	StepIDs []string
}

// Error implements the error interface.
func (e *InfeasiblePlanError) Error() string {
	if len(e.StepIDs) > 0 {
		return fmt.Sprintf("optimization infeasible: %s (steps: %v)", e.Reason, e.StepIDs)
	}
	return fmt.Sprintf("optimization infeasible: %s", e.Reason)
}

// AdapterError represents a failure reported by a service adapter.
// Transient errors (timeouts, rate limits, 5xx-equivalents) are retried
// per step retry policy; permanent errors fail the step immediately.
type AdapterError struct {
	// Service is the target service name (e.g. "gmail", "slack").
	Service string

	// Action is the action that was being invoked.
	Action string

	// Transient marks the error as retryable.
	Transient bool

	// StatusCode is the adapter's status code, if the underlying
	// transport is HTTP-like.
	StatusCode int

	// Message is the human-readable error description.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	msg := fmt.Sprintf("adapter %s error on %s.%s", kind, e.Service, e.Action)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [%d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts. Step invocation timeouts
// are classified as transient and retried.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "adapter invoke", "run drain").
	Operation string

	// Duration is how long the operation ran before timing out.
	Duration time.Duration

	// Cause is the underlying error (if any).
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "run", "workflow", "service")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g. "catalog_path")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g. file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
