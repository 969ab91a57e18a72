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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/autoflowhq/autoflow/pkg/adapter"
	"github.com/autoflowhq/autoflow/pkg/errors"
)

// EngineMode selects the execution strategy.
type EngineMode string

const (
	// EngineModeBaseline dispatches every step to its adapter.
	EngineModeBaseline EngineMode = "baseline"

	// EngineModeEnhanced additionally memoizes identical invocations
	// within a run: a (service, action, parameters) triple that already
	// succeeded is not re-invoked. Selected by the enhanced_execution
	// flag at the API boundary.
	EngineModeEnhanced EngineMode = "enhanced"
)

// DefaultMaxWorkers bounds the engine-wide worker pool; each in-flight
// step occupies one worker.
const DefaultMaxWorkers = 8

// Invoker dispatches a single service action. Satisfied by
// *adapter.Registry; tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, service, action string, params map[string]any, timeout time.Duration) (adapter.Result, error)
}

// MetricsRecorder receives execution telemetry. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	RecordRunStart(ctx context.Context, runID, workflowID string)
	RecordRunComplete(ctx context.Context, runID, workflowID, status string, duration time.Duration)
	RecordStepComplete(ctx context.Context, workflowID, stepID, state string, duration time.Duration)
	RecordStepRetry(ctx context.Context, workflowID, stepID string)
	IncrementQueueDepth()
	DecrementQueueDepth()
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets a custom logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxWorkers sets the worker pool size.
func WithMaxWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = make(chan struct{}, n)
		}
	}
}

// WithEngineMode selects the execution strategy.
func WithEngineMode(mode EngineMode) EngineOption {
	return func(e *Engine) {
		if mode != "" {
			e.mode = mode
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEmitter replaces the engine's event emitter.
func WithEmitter(emitter *EventEmitter) EngineOption {
	return func(e *Engine) { e.emitter = emitter }
}

// Engine executes plans as a supervisor over a bounded worker pool.
// Stages run strictly in plan order; within a stage every runnable step
// is dispatched concurrently through the worker pool and the per-service
// throttle of the adapter registry.
type Engine struct {
	invoker  Invoker
	store    *RunStore
	emitter  *EventEmitter
	logger   *slog.Logger
	metrics  MetricsRecorder
	workers  chan struct{}
	mode     EngineMode
	draining atomic.Bool
}

// NewEngine creates an engine over the given invoker.
func NewEngine(invoker Invoker, opts ...EngineOption) *Engine {
	e := &Engine{
		invoker: invoker,
		store:   NewRunStore(),
		emitter: NewEventEmitter(false),
		logger:  slog.Default(),
		workers: make(chan struct{}, DefaultMaxWorkers),
		mode:    EngineModeBaseline,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emitter returns the engine's event emitter for subscription.
func (e *Engine) Emitter() *EventEmitter {
	return e.emitter
}

// Execute starts a plan asynchronously and returns the initial run
// snapshot. Completion is observed via Get or the event stream.
func (e *Engine) Execute(def *Definition, plan *Plan) (*RunSnapshot, error) {
	return e.ExecuteWithMode(def, plan, e.mode)
}

// ExecuteWithMode starts a plan with an explicit execution mode,
// overriding the engine default. An empty mode uses the default.
func (e *Engine) ExecuteWithMode(def *Definition, plan *Plan, mode EngineMode) (*RunSnapshot, error) {
	if mode == "" {
		mode = e.mode
	}
	if e.draining.Load() {
		return nil, errors.New("engine is draining, not accepting new runs")
	}
	if err := verifyPlan(def, plan); err != nil {
		return nil, err
	}

	run := newRun(uuid.NewString(), plan)
	if err := e.store.Add(run); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.IncrementQueueDepth()
	}

	snapshot := run.snapshot()
	go e.run(def, plan, run, mode)
	return snapshot, nil
}

// Get returns an immutable snapshot of a run.
func (e *Engine) Get(runID string) (*RunSnapshot, error) {
	return e.store.Get(runID)
}

// List returns snapshots of runs matching the filter.
func (e *Engine) List(filter ListFilter) []*RunSnapshot {
	return e.store.List(filter)
}

// Cancel requests cooperative cancellation of a run: steps not yet
// started are not dispatched, in-flight adapter calls finish or time
// out naturally.
func (e *Engine) Cancel(runID string) error {
	run, ok := e.store.getInternal(runID)
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	run.requestCancel()
	return nil
}

// StartDraining stops acceptance of new runs.
func (e *Engine) StartDraining() {
	e.draining.Store(true)
}

// IsDraining reports whether the engine is refusing new runs.
func (e *Engine) IsDraining() bool {
	return e.draining.Load()
}

// ActiveRunCount returns the number of non-terminal runs.
func (e *Engine) ActiveRunCount() int {
	return e.store.ActiveCount()
}

// WaitForDrain waits until all active runs complete or the timeout
// elapses.
func (e *Engine) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if remaining := e.ActiveRunCount(); remaining > 0 {
				return &errors.TimeoutError{
					Operation: "run drain",
					Duration:  timeout,
					Cause:     fmt.Errorf("%d run(s) still active", remaining),
				}
			}
			return nil
		case <-ticker.C:
			if e.ActiveRunCount() == 0 {
				return nil
			}
		}
	}
}

// verifyPlan checks that the plan was built for this definition,
// partitions exactly its step set, and places every dependency in a
// strictly earlier stage.
// The analyzer's layering is the correctness condition; the engine only
// refuses plans that violate it.
func verifyPlan(def *Definition, plan *Plan) error {
	if plan.WorkflowID != def.ID {
		return &errors.ValidationError{
			Field:   "plan",
			Message: fmt.Sprintf("plan targets workflow %q, definition is %q", plan.WorkflowID, def.ID),
		}
	}

	stageOf := make(map[string]int)
	for i, stage := range plan.Stages {
		for _, id := range stage {
			if _, dup := stageOf[id]; dup {
				return &errors.ValidationError{
					Field:   "plan",
					Message: fmt.Sprintf("step %q appears in multiple stages", id),
				}
			}
			stageOf[id] = i
		}
	}
	if len(stageOf) != len(def.Steps) {
		return &errors.ValidationError{
			Field:   "plan",
			Message: fmt.Sprintf("plan covers %d steps, workflow has %d", len(stageOf), len(def.Steps)),
		}
	}
	for _, step := range def.Steps {
		stage, ok := stageOf[step.ID]
		if !ok {
			return &errors.ValidationError{
				Field:   "plan",
				Message: fmt.Sprintf("step %q missing from plan", step.ID),
			}
		}
		for _, dep := range step.DependsOn {
			depStage, ok := stageOf[dep]
			if !ok || depStage >= stage {
				return &errors.ValidationError{
					Field:   "plan",
					Message: fmt.Sprintf("step %q depends on %q which is not in an earlier stage", step.ID, dep),
				}
			}
		}
	}
	return nil
}

// run drives a plan to completion. It is the only goroutine that
// transitions the run's status.
func (e *Engine) run(def *Definition, plan *Plan, run *Run, mode EngineMode) {
	defer close(run.done)

	ctx := run.ctx
	logger := e.logger.With("run_id", run.ID, "workflow_id", run.WorkflowID)

	if e.metrics != nil {
		e.metrics.DecrementQueueDepth()
		e.metrics.RecordRunStart(ctx, run.ID, run.WorkflowID)
	}

	prev := run.setStatus(RunStatusRunning)
	e.emitter.EmitRunStateChanged(ctx, run.ID, run.WorkflowID, prev, RunStatusRunning)
	logger.Info("run started", "stages", len(plan.Stages), "steps", len(run.Steps))

	memo := newInvocationMemo(mode)

	for stageIdx, stage := range plan.Stages {
		if run.cancelRequested() {
			break
		}
		e.runStage(ctx, def, plan, run, stage, memo, logger.With("stage", stageIdx))
	}

	e.finalize(ctx, def, run, logger)
}

// runStage resolves skip decisions sequentially, then dispatches every
// runnable step concurrently and waits for the stage barrier.
func (e *Engine) runStage(ctx context.Context, def *Definition, plan *Plan, run *Run, stage Stage, memo *invocationMemo, logger *slog.Logger) {
	var wg sync.WaitGroup

	for _, stepID := range stage {
		step, ok := def.Step(stepID)
		if !ok {
			// verifyPlan guarantees this cannot happen.
			continue
		}

		if run.cancelRequested() {
			e.finishStep(ctx, run, step, func(sr *StepResult) {
				sr.State = StepStateCancelled
			})
			continue
		}

		if reason, skipped := e.skipDecision(run, step); skipped {
			e.finishStep(ctx, run, step, func(sr *StepResult) {
				sr.State = StepStateSkipped
				sr.SkipReason = reason
			})
			continue
		}

		if failErr := e.checkCondition(run, step); failErr != nil {
			e.finishStep(ctx, run, step, func(sr *StepResult) {
				sr.State = StepStateFailed
				sr.Error = failErr.Error()
			})
			continue
		} else if e.conditionFalse(run, step) {
			e.finishStep(ctx, run, step, func(sr *StepResult) {
				sr.State = StepStateSkipped
				sr.SkipReason = SkipReasonCondition
			})
			continue
		}

		wg.Add(1)
		go func(step *Step) {
			defer wg.Done()
			e.workers <- struct{}{}
			defer func() { <-e.workers }()
			e.executeStep(ctx, plan, run, step, memo, logger)
		}(step)
	}

	wg.Wait()
}

// skipDecision reports whether a step must be skipped because a direct
// dependency failed, was skipped for an upstream failure, or was
// cancelled. Direct-dependency checking propagates transitively because
// dependencies resolve in earlier stages.
func (e *Engine) skipDecision(run *Run, step *Step) (SkipReason, bool) {
	run.mu.RLock()
	defer run.mu.RUnlock()
	for _, dep := range step.DependsOn {
		sr, ok := run.Steps[dep]
		if !ok {
			continue
		}
		switch sr.State {
		case StepStateFailed, StepStateCancelled:
			return SkipReasonUpstreamFailure, true
		case StepStateSkipped:
			if sr.SkipReason == SkipReasonUpstreamFailure {
				return SkipReasonUpstreamFailure, true
			}
		}
	}
	return "", false
}

// conditionFalse reports whether the step's guard evaluated false.
// checkCondition must be called first; it handles evaluation errors.
func (e *Engine) conditionFalse(run *Run, step *Step) bool {
	if step.Condition == "" {
		return false
	}
	ok, err := evaluateCondition(step.Condition, e.stepOutputs(run), step.Parameters)
	return err == nil && !ok
}

// checkCondition returns an error when the step has a guard that fails
// to evaluate.
func (e *Engine) checkCondition(run *Run, step *Step) error {
	if step.Condition == "" {
		return nil
	}
	_, err := evaluateCondition(step.Condition, e.stepOutputs(run), step.Parameters)
	return err
}

// stepOutputs collects the outputs of succeeded steps for condition
// evaluation.
func (e *Engine) stepOutputs(run *Run) map[string]map[string]any {
	run.mu.RLock()
	defer run.mu.RUnlock()
	out := make(map[string]map[string]any)
	for id, sr := range run.Steps {
		if sr.State == StepStateSucceeded && sr.Output != nil {
			out[id] = sr.Output
		}
	}
	return out
}

// executeStep runs one step to a terminal state, retrying transient
// adapter errors with capped exponential backoff. A step with
// max_attempts = N never issues more than N adapter invocations.
func (e *Engine) executeStep(ctx context.Context, plan *Plan, run *Run, step *Step, memo *invocationMemo, logger *slog.Logger) {
	// Cancellation may arrive while the step waits for a worker slot.
	if run.cancelRequested() {
		e.finishStep(ctx, run, step, func(sr *StepResult) {
			sr.State = StepStateCancelled
		})
		return
	}

	retry := step.EffectiveRetry()
	if override, ok := plan.RetryOverrides[step.ID]; ok {
		retry = &override
	}

	start := time.Now().UTC()
	run.updateStep(step.ID, func(sr *StepResult) {
		sr.State = StepStateRunning
		sr.StartedAt = start
	})

	if output, hit := memo.lookup(step); hit {
		logger.Debug("reusing memoized invocation", "step_id", step.ID)
		e.finishStep(ctx, run, step, func(sr *StepResult) {
			sr.State = StepStateSucceeded
			sr.Output = output
		})
		return
	}

	var lastErr error
	backoff := time.Duration(retry.BackoffBase * float64(time.Second))

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		run.updateStep(step.ID, func(sr *StepResult) {
			sr.Attempts = attempt
			sr.State = StepStateRunning
		})

		output, err := e.invoker.Invoke(ctx, step.Service, step.Action, step.Parameters, step.EffectiveTimeout())
		if err == nil {
			memo.record(step, output)
			e.finishStep(ctx, run, step, func(sr *StepResult) {
				sr.State = StepStateSucceeded
				sr.Output = output
			})
			return
		}

		lastErr = err
		if !errors.IsTransient(err) || attempt == retry.MaxAttempts {
			break
		}

		run.updateStep(step.ID, func(sr *StepResult) {
			sr.State = StepStateRetrying
		})
		e.emitter.EmitStepRetrying(ctx, run.ID, run.WorkflowID, step.ID, attempt, backoff)
		if e.metrics != nil {
			e.metrics.RecordStepRetry(ctx, run.WorkflowID, step.ID)
		}
		logger.Warn("step retrying",
			"step_id", step.ID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-time.After(backoff):
		case <-run.stopped:
			// Cancellation during backoff abandons remaining attempts.
			e.finishStep(ctx, run, step, func(sr *StepResult) {
				sr.State = StepStateCancelled
				sr.Error = lastErr.Error()
			})
			return
		}

		backoff *= 2
		if backoff > MaxBackoff {
			backoff = MaxBackoff
		}
	}

	logger.Error("step failed", "step_id", step.ID, "error", lastErr)
	e.finishStep(ctx, run, step, func(sr *StepResult) {
		sr.State = StepStateFailed
		if lastErr != nil {
			sr.Error = lastErr.Error()
		}
	})
}

// finishStep applies the terminal mutation, stamps timing, and emits
// the step completion event.
func (e *Engine) finishStep(ctx context.Context, run *Run, step *Step, fn func(*StepResult)) {
	now := time.Now().UTC()
	var state StepState
	var duration time.Duration
	var attempts int

	run.updateStep(step.ID, func(sr *StepResult) {
		fn(sr)
		sr.CompletedAt = now
		if !sr.StartedAt.IsZero() {
			sr.Duration = now.Sub(sr.StartedAt)
		}
		state = sr.State
		duration = sr.Duration
		attempts = sr.Attempts
	})

	e.emitter.EmitStepCompleted(ctx, run.ID, run.WorkflowID, step.ID, state, duration, attempts)
	if e.metrics != nil {
		e.metrics.RecordStepComplete(ctx, run.WorkflowID, step.ID, string(state), duration)
	}
}

// finalize marks remaining pending steps, computes the run's terminal
// status from leaf outcomes, and emits completion events.
func (e *Engine) finalize(ctx context.Context, def *Definition, run *Run, logger *slog.Logger) {
	cancelled := run.cancelRequested()

	run.mu.Lock()
	for _, sr := range run.Steps {
		if !sr.State.Terminal() {
			sr.State = StepStateCancelled
			sr.CompletedAt = time.Now().UTC()
		}
	}
	run.mu.Unlock()

	status := e.terminalStatus(def, run, cancelled)

	run.mu.Lock()
	if status != RunStatusSucceeded && run.Error == "" {
		run.Error = firstFailureMessage(run)
	}
	run.mu.Unlock()

	prev := run.setStatus(status)
	e.emitter.EmitRunStateChanged(ctx, run.ID, run.WorkflowID, prev, status)

	var duration time.Duration
	run.mu.RLock()
	if run.StartedAt != nil && run.EndedAt != nil {
		duration = run.EndedAt.Sub(*run.StartedAt)
	}
	run.mu.RUnlock()

	e.emitter.EmitRunCompleted(ctx, run.ID, run.WorkflowID, status, duration)
	if e.metrics != nil {
		e.metrics.RecordRunComplete(ctx, run.ID, run.WorkflowID, string(status), duration)
	}
	logger.Info("run completed", "status", status, "duration_ms", duration.Milliseconds())

	run.cancel()
}

// terminalStatus derives the run status from leaf outcomes: Failed when
// every required leaf failed, PartiallyFailed when an independent branch
// succeeded while another failed, Succeeded when every step succeeded or
// was never required. A cancellation request that actually prevented
// steps from running yields Cancelled.
func (e *Engine) terminalStatus(def *Definition, run *Run, cancelled bool) RunStatus {
	run.mu.RLock()
	defer run.mu.RUnlock()

	if cancelled {
		for _, sr := range run.Steps {
			if sr.State == StepStateCancelled {
				return RunStatusCancelled
			}
		}
	}

	okLeaves, failedLeaves := 0, 0
	for _, leaf := range def.Leaves() {
		sr, ok := run.Steps[leaf]
		if !ok {
			continue
		}
		switch sr.State {
		case StepStateSucceeded:
			okLeaves++
		case StepStateSkipped:
			if sr.SkipReason == SkipReasonUpstreamFailure {
				failedLeaves++
			} else {
				okLeaves++ // condition skip: never required
			}
		default:
			failedLeaves++
		}
	}

	switch {
	case failedLeaves == 0:
		return RunStatusSucceeded
	case okLeaves == 0:
		return RunStatusFailed
	default:
		return RunStatusPartiallyFailed
	}
}

// firstFailureMessage returns the error of the first failed step in a
// deterministic order. Caller holds the run lock.
func firstFailureMessage(run *Run) string {
	var firstID, msg string
	for id, sr := range run.Steps {
		if sr.State == StepStateFailed && sr.Error != "" {
			if firstID == "" || id < firstID {
				firstID, msg = id, sr.Error
			}
		}
	}
	if msg == "" {
		return ""
	}
	return fmt.Sprintf("step %s: %s", firstID, msg)
}

// invocationMemo caches successful invocations within a single run when
// the engine runs in enhanced mode.
type invocationMemo struct {
	mu      sync.Mutex
	results map[string]adapter.Result
}

func newInvocationMemo(mode EngineMode) *invocationMemo {
	if mode != EngineModeEnhanced {
		return &invocationMemo{}
	}
	return &invocationMemo{results: make(map[string]adapter.Result)}
}

func (m *invocationMemo) key(step *Step) (string, bool) {
	params, err := json.Marshal(step.Parameters)
	if err != nil {
		return "", false
	}
	return step.Service + "\x00" + step.Action + "\x00" + string(params), true
}

func (m *invocationMemo) lookup(step *Step) (adapter.Result, bool) {
	if m.results == nil {
		return nil, false
	}
	key, ok := m.key(step)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out, hit := m.results[key]
	return out, hit
}

func (m *invocationMemo) record(step *Step, output adapter.Result) {
	if m.results == nil {
		return
	}
	key, ok := m.key(step)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key] = output
}
