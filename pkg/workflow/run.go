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
	"sync"
	"time"

	"github.com/autoflowhq/autoflow/pkg/adapter"
)

// RunStatus represents the lifecycle state of an execution run.
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusFailed          RunStatus = "failed"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusPartiallyFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepState represents the execution state of a single step.
type StepState string

const (
	StepStatePending   StepState = "pending"
	StepStateRunning   StepState = "running"
	StepStateSucceeded StepState = "succeeded"
	StepStateFailed    StepState = "failed"
	StepStateRetrying  StepState = "retrying"
	StepStateSkipped   StepState = "skipped"
	StepStateCancelled StepState = "cancelled"
)

// Terminal reports whether the step state is final.
func (s StepState) Terminal() bool {
	switch s {
	case StepStateSucceeded, StepStateFailed, StepStateSkipped, StepStateCancelled:
		return true
	}
	return false
}

// SkipReason records why a step was skipped; it decides whether the skip
// counts against the run's terminal status.
type SkipReason string

const (
	// SkipReasonUpstreamFailure: a transitive dependency failed.
	SkipReasonUpstreamFailure SkipReason = "upstream_failure"

	// SkipReasonCondition: the step's guard condition evaluated false.
	// Condition skips do not count as failures.
	SkipReasonCondition SkipReason = "condition_false"
)

// StepResult records the outcome of one step within a run.
type StepResult struct {
	// StepID is the ID of the executed step
	StepID string `json:"step_id"`

	// State is the step's current state
	State StepState `json:"state"`

	// Output contains the adapter's result data
	Output adapter.Result `json:"output,omitempty"`

	// Error contains the error message if the step failed
	Error string `json:"error,omitempty"`

	// SkipReason is set when State is skipped
	SkipReason SkipReason `json:"skip_reason,omitempty"`

	// Attempts is the number of adapter invocations issued
	Attempts int `json:"attempts"`

	// StartedAt is when the step was first dispatched
	StartedAt time.Time `json:"started_at,omitzero"`

	// CompletedAt is when the step reached a terminal state
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Duration is the wall time from dispatch to terminal state
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Run tracks a plan execution. It is owned exclusively by the engine for
// its lifetime; external callers only ever see immutable snapshots.
type Run struct {
	ID         string
	PlanID     string
	WorkflowID string
	Status     RunStatus
	Steps      map[string]*StepResult
	Error      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time

	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once
	stopped    chan struct{}
	done       chan struct{}
}

// newRun initializes a run in the pending state with one pending step
// result per plan step.
func newRun(id string, plan *Plan) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Run{
		ID:         id,
		PlanID:     plan.ID,
		WorkflowID: plan.WorkflowID,
		Status:     RunStatusPending,
		Steps:      make(map[string]*StepResult),
		CreatedAt:  time.Now().UTC(),
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, stepID := range plan.StepIDs() {
		r.Steps[stepID] = &StepResult{StepID: stepID, State: StepStatePending}
	}
	return r
}

// requestCancel marks the run for cooperative cancellation: not-yet-
// started steps will not be dispatched, in-flight steps finish naturally.
func (r *Run) requestCancel() {
	r.cancelOnce.Do(func() {
		close(r.stopped)
	})
}

// cancelRequested reports whether cancellation has been requested.
func (r *Run) cancelRequested() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// RunSnapshot is an immutable deep copy of run state for external
// access. It contains no aliasing to mutable engine-owned state.
type RunSnapshot struct {
	ID         string                `json:"run_id"`
	PlanID     string                `json:"plan_id"`
	WorkflowID string                `json:"workflow_id"`
	Status     RunStatus             `json:"status"`
	Steps      map[string]StepResult `json:"step_statuses"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	EndedAt    *time.Time            `json:"ended_at,omitempty"`
}

// snapshot builds an immutable copy of the run. Safe to call mid-run;
// the result is a best-effort point-in-time view.
func (r *Run) snapshot() *RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &RunSnapshot{
		ID:         r.ID,
		PlanID:     r.PlanID,
		WorkflowID: r.WorkflowID,
		Status:     r.Status,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		Steps:      make(map[string]StepResult, len(r.Steps)),
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		snap.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		snap.EndedAt = &t
	}
	for id, sr := range r.Steps {
		copied := *sr
		if sr.Output != nil {
			out := make(adapter.Result, len(sr.Output))
			for k, v := range sr.Output {
				out[k] = v
			}
			copied.Output = out
		}
		snap.Steps[id] = copied
	}
	return snap
}

// setStatus transitions the run status under lock and reports the
// previous status.
func (r *Run) setStatus(status RunStatus) RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.Status
	r.Status = status
	now := time.Now().UTC()
	switch status {
	case RunStatusRunning:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	default:
		if status.Terminal() && r.EndedAt == nil {
			r.EndedAt = &now
		}
	}
	return prev
}

// updateStep applies a mutation to a step result under lock.
func (r *Run) updateStep(stepID string, fn func(*StepResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sr, ok := r.Steps[stepID]; ok {
		fn(sr)
	}
}
