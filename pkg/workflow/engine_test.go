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
	"sync/atomic"
	"testing"
	"time"

	"github.com/autoflowhq/autoflow/pkg/adapter"
	"github.com/autoflowhq/autoflow/pkg/errors"
)

// invokerFunc adapts a function to the Invoker interface.
type invokerFunc func(ctx context.Context, service, action string, params map[string]any, timeout time.Duration) (adapter.Result, error)

func (f invokerFunc) Invoke(ctx context.Context, service, action string, params map[string]any, timeout time.Duration) (adapter.Result, error) {
	return f(ctx, service, action, params, timeout)
}

// countingInvoker records invocations per step and serves scripted
// results.
type countingInvoker struct {
	mu      sync.Mutex
	calls   map[string]int
	errs    map[string]error // returned on every call for the action
	outputs map[string]adapter.Result
	delay   time.Duration
}

func newCountingInvoker() *countingInvoker {
	return &countingInvoker{
		calls:   make(map[string]int),
		errs:    make(map[string]error),
		outputs: make(map[string]adapter.Result),
	}
}

func (c *countingInvoker) Invoke(ctx context.Context, service, action string, params map[string]any, timeout time.Duration) (adapter.Result, error) {
	c.mu.Lock()
	c.calls[action]++
	err := c.errs[action]
	out := c.outputs[action]
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = adapter.Result{"service": service, "action": action}
	}
	return out, nil
}

func (c *countingInvoker) callCount(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[action]
}

func mustPlan(t *testing.T, def *Definition) *Plan {
	t.Helper()
	plan, _, err := NewAnalyzer(nil).Analyze(context.Background(), def, StrategyPerformance)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	return plan
}

func awaitRun(t *testing.T, e *Engine, runID string) *RunSnapshot {
	t.Helper()
	run, ok := e.store.getInternal(runID)
	if !ok {
		t.Fatalf("run %s not in store", runID)
	}
	select {
	case <-run.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("run %s did not complete", runID)
	}
	snap, err := e.Get(runID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return snap
}

func fastRetry(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: maxAttempts, BackoffBase: 0.001}
}

func TestEngineExecute(t *testing.T) {
	t.Run("all steps succeed", func(t *testing.T) {
		inv := newCountingInvoker()
		e := NewEngine(inv)

		def := diamondDef()
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if snap.Status != RunStatusPending {
			t.Errorf("initial status = %s, want pending", snap.Status)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusSucceeded {
			t.Fatalf("final status = %s, want succeeded (error: %s)", final.Status, final.Error)
		}
		for id, sr := range final.Steps {
			if sr.State != StepStateSucceeded {
				t.Errorf("step %s state = %s, want succeeded", id, sr.State)
			}
			if sr.Attempts != 1 {
				t.Errorf("step %s attempts = %d, want 1", id, sr.Attempts)
			}
		}
	})

	t.Run("plan not matching definition is refused", func(t *testing.T) {
		e := NewEngine(newCountingInvoker())
		def := diamondDef()

		_, err := e.Execute(def, &Plan{ID: "p", WorkflowID: def.ID, Stages: []Stage{{"a"}}})
		assertValidationError(t, err)
	})

	t.Run("plan for a different workflow is refused", func(t *testing.T) {
		e := NewEngine(newCountingInvoker())
		def := &Definition{ID: "wf", Steps: []Step{{ID: "a", Service: "s", Action: "x"}}}

		_, err := e.Execute(def, &Plan{ID: "p", WorkflowID: "other-wf", Stages: []Stage{{"a"}}})
		assertValidationError(t, err)
	})

	t.Run("dependency in same stage is refused", func(t *testing.T) {
		e := NewEngine(newCountingInvoker())
		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "a", Service: "s", Action: "x"},
			{ID: "b", Service: "s", Action: "y", DependsOn: []string{"a"}},
		}}
		_, err := e.Execute(def, &Plan{ID: "p", WorkflowID: "wf", Stages: []Stage{{"a", "b"}}})
		assertValidationError(t, err)
	})

	t.Run("duplicate step across stages is refused", func(t *testing.T) {
		e := NewEngine(newCountingInvoker())
		def := &Definition{ID: "wf", Steps: []Step{{ID: "a", Service: "s", Action: "x"}}}
		_, err := e.Execute(def, &Plan{ID: "p", WorkflowID: "wf", Stages: []Stage{{"a"}, {"a"}}})
		assertValidationError(t, err)
	})

	t.Run("get unknown run", func(t *testing.T) {
		e := NewEngine(newCountingInvoker())
		_, err := e.Get("missing")
		var notFound *errors.NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("Get() error = %v, want NotFoundError", err)
		}
	})
}

func TestEngineRetries(t *testing.T) {
	t.Run("transient errors retried up to max attempts", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.errs["flaky"] = &errors.AdapterError{Service: "svc", Action: "flaky", Transient: true, Message: "rate limited"}
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "s1", Service: "svc", Action: "flaky", Retry: fastRetry(3)},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusFailed {
			t.Errorf("status = %s, want failed", final.Status)
		}
		if got := inv.callCount("flaky"); got != 3 {
			t.Errorf("invocations = %d, want exactly 3", got)
		}
		if final.Steps["s1"].Attempts != 3 {
			t.Errorf("attempts = %d, want 3", final.Steps["s1"].Attempts)
		}
		if final.Error == "" {
			t.Error("run error should carry the step failure")
		}
	})

	t.Run("permanent errors fail immediately", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.errs["broken"] = &errors.AdapterError{Service: "svc", Action: "broken", Message: "bad request"}
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "s1", Service: "svc", Action: "broken", Retry: fastRetry(5)},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusFailed {
			t.Errorf("status = %s, want failed", final.Status)
		}
		if got := inv.callCount("broken"); got != 1 {
			t.Errorf("invocations = %d, want 1 (no retry on permanent errors)", got)
		}
	})

	t.Run("success after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]any, timeout time.Duration) (adapter.Result, error) {
			if calls.Add(1) < 3 {
				return nil, &errors.AdapterError{Service: service, Action: action, Transient: true}
			}
			return adapter.Result{"ok": true}, nil
		})
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "s1", Service: "svc", Action: "flaky", Retry: fastRetry(3)},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusSucceeded {
			t.Fatalf("status = %s, want succeeded", final.Status)
		}
		if final.Steps["s1"].Attempts != 3 {
			t.Errorf("attempts = %d, want 3", final.Steps["s1"].Attempts)
		}
	})

	t.Run("retry overrides from the plan apply", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.errs["flaky"] = &errors.AdapterError{Service: "svc", Action: "flaky", Transient: true}
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "s1", Service: "svc", Action: "flaky", Retry: fastRetry(2)},
		}}
		plan := mustPlan(t, def)
		plan.RetryOverrides = map[string]RetryPolicy{"s1": {MaxAttempts: 4, BackoffBase: 0.001}}

		snap, err := e.Execute(def, plan)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		awaitRun(t, e, snap.ID)
		if got := inv.callCount("flaky"); got != 4 {
			t.Errorf("invocations = %d, want 4 (override)", got)
		}
	})
}

func TestEngineSkipPropagation(t *testing.T) {
	t.Run("downstream of a failure skips transitively", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.errs["x"] = &errors.AdapterError{Service: "s", Action: "x", Message: "permanent"}
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "a", Service: "s", Action: "x"},
			{ID: "b", Service: "s", Action: "y", DependsOn: []string{"a"}},
			{ID: "c", Service: "s", Action: "z", DependsOn: []string{"b"}},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusFailed {
			t.Errorf("status = %s, want failed", final.Status)
		}
		for _, id := range []string{"b", "c"} {
			sr := final.Steps[id]
			if sr.State != StepStateSkipped || sr.SkipReason != SkipReasonUpstreamFailure {
				t.Errorf("step %s = %s/%s, want skipped/upstream_failure", id, sr.State, sr.SkipReason)
			}
		}
		if inv.callCount("y") != 0 || inv.callCount("z") != 0 {
			t.Error("skipped steps must not reach the adapter")
		}
	})

	t.Run("independent branch survives a failure", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.errs["bad"] = &errors.AdapterError{Service: "s", Action: "bad", Message: "permanent"}
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "ok_leaf", Service: "s", Action: "good"},
			{ID: "bad_leaf", Service: "s", Action: "bad"},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusPartiallyFailed {
			t.Errorf("status = %s, want partially_failed", final.Status)
		}
		if final.Steps["ok_leaf"].State != StepStateSucceeded {
			t.Errorf("ok_leaf state = %s", final.Steps["ok_leaf"].State)
		}
		if final.Steps["bad_leaf"].State != StepStateFailed {
			t.Errorf("bad_leaf state = %s", final.Steps["bad_leaf"].State)
		}
	})

	t.Run("all leaves failing fails the run", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.errs["bad"] = &errors.AdapterError{Service: "s", Action: "bad", Message: "permanent"}
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "root", Service: "s", Action: "good"},
			{ID: "l1", Service: "s", Action: "bad", DependsOn: []string{"root"}},
			{ID: "l2", Service: "s", Action: "bad", DependsOn: []string{"root"}},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusFailed {
			t.Errorf("status = %s, want failed", final.Status)
		}
	})
}

func TestEngineConditions(t *testing.T) {
	t.Run("false condition skips without failing the run", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.outputs["search"] = adapter.Result{"count": 0}
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "search", Service: "gmail", Action: "search"},
			{ID: "notify", Service: "slack", Action: "notify", DependsOn: []string{"search"},
				Condition: "steps.search.count > 0"},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusSucceeded {
			t.Fatalf("status = %s, want succeeded (condition skips are not failures)", final.Status)
		}
		sr := final.Steps["notify"]
		if sr.State != StepStateSkipped || sr.SkipReason != SkipReasonCondition {
			t.Errorf("notify = %s/%s, want skipped/condition_false", sr.State, sr.SkipReason)
		}
		if inv.callCount("notify") != 0 {
			t.Error("condition-skipped step must not reach the adapter")
		}
	})

	t.Run("true condition dispatches the step", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.outputs["search"] = adapter.Result{"count": 3}
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "search", Service: "gmail", Action: "search"},
			{ID: "notify", Service: "slack", Action: "notify", DependsOn: []string{"search"},
				Condition: "steps.search.count > 0"},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusSucceeded {
			t.Fatalf("status = %s, want succeeded", final.Status)
		}
		if final.Steps["notify"].State != StepStateSucceeded {
			t.Errorf("notify state = %s, want succeeded", final.Steps["notify"].State)
		}
	})

	t.Run("invalid condition fails the step", func(t *testing.T) {
		inv := newCountingInvoker()
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "search", Service: "gmail", Action: "search"},
			{ID: "notify", Service: "slack", Action: "notify", DependsOn: []string{"search"},
				Condition: "count >"},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		sr := final.Steps["notify"]
		if sr.State != StepStateFailed || sr.Error == "" {
			t.Errorf("notify = %s (%q), want failed with an error", sr.State, sr.Error)
		}
		if final.Status != RunStatusFailed {
			t.Errorf("status = %s, want failed", final.Status)
		}
	})
}

func TestEngineCancellation(t *testing.T) {
	t.Run("cancel prevents later stages", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.delay = 100 * time.Millisecond
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "a", Service: "s", Action: "x"},
			{ID: "b", Service: "s", Action: "y", DependsOn: []string{"a"}},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if err := e.Cancel(snap.ID); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusCancelled {
			t.Fatalf("status = %s, want cancelled", final.Status)
		}
		if inv.callCount("y") != 0 {
			t.Error("step after cancellation must not be dispatched")
		}
	})

	t.Run("cancel marks steps queued behind the worker pool cancelled", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.delay = 200 * time.Millisecond
		e := NewEngine(inv, WithMaxWorkers(1))

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "a1", Service: "s", Action: "x1"},
			{ID: "a2", Service: "s", Action: "x2"},
			{ID: "a3", Service: "s", Action: "x3"},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		// Cancel while the single worker holds the first step and the
		// rest of the stage is still waiting for a slot.
		deadline := time.Now().Add(2 * time.Second)
		for inv.callCount("x1") == 0 {
			if time.Now().After(deadline) {
				t.Fatal("first step never dispatched")
			}
			time.Sleep(time.Millisecond)
		}
		if err := e.Cancel(snap.ID); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusCancelled {
			t.Fatalf("status = %s, want cancelled", final.Status)
		}
		if got := inv.callCount("x2") + inv.callCount("x3"); got != 0 {
			t.Errorf("queued steps issued %d invocations after cancel, want 0", got)
		}
		for _, id := range []string{"a2", "a3"} {
			if state := final.Steps[id].State; state != StepStateCancelled {
				t.Errorf("step %s state = %s, want cancelled", id, state)
			}
		}
	})

	t.Run("cancel unknown run", func(t *testing.T) {
		e := NewEngine(newCountingInvoker())
		err := e.Cancel("missing")
		var notFound *errors.NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("Cancel() error = %v, want NotFoundError", err)
		}
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.delay = 50 * time.Millisecond
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{{ID: "a", Service: "s", Action: "x"}}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := e.Cancel(snap.ID); err != nil {
				t.Fatalf("Cancel() #%d error = %v", i, err)
			}
		}
		awaitRun(t, e, snap.ID)
	})
}

func TestEngineModes(t *testing.T) {
	memoDef := func() *Definition {
		params := map[string]any{"q": "is:unread"}
		return &Definition{ID: "wf", Steps: []Step{
			{ID: "first", Service: "gmail", Action: "search", Parameters: params},
			{ID: "second", Service: "gmail", Action: "search", Parameters: params, DependsOn: []string{"first"}},
		}}
	}

	t.Run("enhanced memoizes identical invocations", func(t *testing.T) {
		inv := newCountingInvoker()
		e := NewEngine(inv)

		def := memoDef()
		snap, err := e.ExecuteWithMode(def, mustPlan(t, def), EngineModeEnhanced)
		if err != nil {
			t.Fatalf("ExecuteWithMode() error = %v", err)
		}

		final := awaitRun(t, e, snap.ID)
		if final.Status != RunStatusSucceeded {
			t.Fatalf("status = %s, want succeeded", final.Status)
		}
		if got := inv.callCount("search"); got != 1 {
			t.Errorf("invocations = %d, want 1 (second step memoized)", got)
		}
		if final.Steps["second"].State != StepStateSucceeded {
			t.Errorf("second state = %s, want succeeded", final.Steps["second"].State)
		}
	})

	t.Run("baseline always dispatches", func(t *testing.T) {
		inv := newCountingInvoker()
		e := NewEngine(inv)

		def := memoDef()
		snap, err := e.ExecuteWithMode(def, mustPlan(t, def), EngineModeBaseline)
		if err != nil {
			t.Fatalf("ExecuteWithMode() error = %v", err)
		}
		awaitRun(t, e, snap.ID)
		if got := inv.callCount("search"); got != 2 {
			t.Errorf("invocations = %d, want 2", got)
		}
	})

	t.Run("empty mode falls back to the engine default", func(t *testing.T) {
		inv := newCountingInvoker()
		e := NewEngine(inv, WithEngineMode(EngineModeEnhanced))

		def := memoDef()
		snap, err := e.ExecuteWithMode(def, mustPlan(t, def), "")
		if err != nil {
			t.Fatalf("ExecuteWithMode() error = %v", err)
		}
		awaitRun(t, e, snap.ID)
		if got := inv.callCount("search"); got != 1 {
			t.Errorf("invocations = %d, want 1 (engine default is enhanced)", got)
		}
	})

	t.Run("memoization is scoped to one run", func(t *testing.T) {
		inv := newCountingInvoker()
		e := NewEngine(inv, WithEngineMode(EngineModeEnhanced))

		def := memoDef()
		for i := 0; i < 2; i++ {
			snap, err := e.Execute(def, mustPlan(t, def))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			awaitRun(t, e, snap.ID)
		}
		if got := inv.callCount("search"); got != 2 {
			t.Errorf("invocations = %d, want 2 (one per run)", got)
		}
	})
}

func TestEngineDraining(t *testing.T) {
	t.Run("draining refuses new runs", func(t *testing.T) {
		e := NewEngine(newCountingInvoker())
		e.StartDraining()
		if !e.IsDraining() {
			t.Fatal("IsDraining() = false after StartDraining")
		}

		def := &Definition{ID: "wf", Steps: []Step{{ID: "a", Service: "s", Action: "x"}}}
		if _, err := e.Execute(def, mustPlan(t, def)); err == nil {
			t.Fatal("Execute() should fail while draining")
		}
	})

	t.Run("wait for drain returns once runs finish", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.delay = 50 * time.Millisecond
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{{ID: "a", Service: "s", Action: "x"}}}
		if _, err := e.Execute(def, mustPlan(t, def)); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		e.StartDraining()
		if err := e.WaitForDrain(context.Background(), 5*time.Second); err != nil {
			t.Fatalf("WaitForDrain() error = %v", err)
		}
		if e.ActiveRunCount() != 0 {
			t.Errorf("ActiveRunCount() = %d after drain", e.ActiveRunCount())
		}
	})

	t.Run("wait for drain times out on stuck runs", func(t *testing.T) {
		inv := newCountingInvoker()
		inv.delay = 2 * time.Second
		e := NewEngine(inv)

		def := &Definition{ID: "wf", Steps: []Step{{ID: "a", Service: "s", Action: "x"}}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		err = e.WaitForDrain(context.Background(), 100*time.Millisecond)
		var timeoutErr *errors.TimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("WaitForDrain() error = %v, want TimeoutError", err)
		}
		awaitRun(t, e, snap.ID)
	})
}

func TestEngineEvents(t *testing.T) {
	t.Run("lifecycle events fire in order", func(t *testing.T) {
		inv := newCountingInvoker()
		e := NewEngine(inv)

		var mu sync.Mutex
		var types []EventType
		e.Emitter().OnAny(func(ctx context.Context, event *Event) error {
			mu.Lock()
			types = append(types, event.Type)
			mu.Unlock()
			return nil
		})

		def := &Definition{ID: "wf", Steps: []Step{{ID: "a", Service: "s", Action: "x"}}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		awaitRun(t, e, snap.ID)

		mu.Lock()
		defer mu.Unlock()
		want := []EventType{EventRunStateChanged, EventStepCompleted, EventRunStateChanged, EventRunCompleted}
		if len(types) != len(want) {
			t.Fatalf("got %d events %v, want %v", len(types), types, want)
		}
		for i := range want {
			if types[i] != want[i] {
				t.Errorf("event %d = %s, want %s", i, types[i], want[i])
			}
		}
	})

	t.Run("retry events carry attempt and backoff", func(t *testing.T) {
		var calls atomic.Int32
		inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]any, timeout time.Duration) (adapter.Result, error) {
			if calls.Add(1) == 1 {
				return nil, &errors.AdapterError{Service: service, Action: action, Transient: true}
			}
			return adapter.Result{}, nil
		})
		e := NewEngine(inv)

		retryCh := make(chan *Event, 4)
		e.Emitter().On(EventStepRetrying, func(ctx context.Context, event *Event) error {
			retryCh <- event
			return nil
		})

		def := &Definition{ID: "wf", Steps: []Step{
			{ID: "a", Service: "s", Action: "x", Retry: fastRetry(2)},
		}}
		snap, err := e.Execute(def, mustPlan(t, def))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		awaitRun(t, e, snap.ID)

		select {
		case event := <-retryCh:
			if event.Data["attempt"] != 1 {
				t.Errorf("attempt = %v, want 1", event.Data["attempt"])
			}
			if event.StepID != "a" {
				t.Errorf("StepID = %s, want a", event.StepID)
			}
		default:
			t.Fatal("no retry event emitted")
		}
	})
}

func TestEngineMetrics(t *testing.T) {
	inv := newCountingInvoker()
	rec := &recordingMetrics{}
	e := NewEngine(inv, WithMetrics(rec))

	def := diamondDef()
	snap, err := e.Execute(def, mustPlan(t, def))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	awaitRun(t, e, snap.ID)

	if rec.runStarts.Load() != 1 || rec.runCompletes.Load() != 1 {
		t.Errorf("run metrics = %d starts, %d completes; want 1, 1",
			rec.runStarts.Load(), rec.runCompletes.Load())
	}
	if got := rec.stepCompletes.Load(); got != int32(len(def.Steps)) {
		t.Errorf("step completions = %d, want %d", got, len(def.Steps))
	}
	if rec.queueDepth.Load() != 0 {
		t.Errorf("queue depth = %d, want 0 after completion", rec.queueDepth.Load())
	}
}

func TestEngineMetricsRecordRetries(t *testing.T) {
	inv := newCountingInvoker()
	inv.errs["flaky"] = &errors.AdapterError{Service: "svc", Action: "flaky", Transient: true, Message: "rate limited"}
	rec := &recordingMetrics{}
	e := NewEngine(inv, WithMetrics(rec))

	def := &Definition{ID: "wf", Steps: []Step{
		{ID: "s1", Service: "svc", Action: "flaky", Retry: fastRetry(3)},
	}}
	snap, err := e.Execute(def, mustPlan(t, def))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	awaitRun(t, e, snap.ID)

	// 3 attempts means 2 retries recorded.
	if got := rec.stepRetries.Load(); got != 2 {
		t.Errorf("retry metrics = %d, want 2", got)
	}
}

// recordingMetrics counts recorder callbacks for assertions.
type recordingMetrics struct {
	runStarts     atomic.Int32
	runCompletes  atomic.Int32
	stepCompletes atomic.Int32
	stepRetries   atomic.Int32
	queueDepth    atomic.Int32
}

func (r *recordingMetrics) RecordRunStart(ctx context.Context, runID, workflowID string) {
	r.runStarts.Add(1)
}

func (r *recordingMetrics) RecordRunComplete(ctx context.Context, runID, workflowID, status string, duration time.Duration) {
	r.runCompletes.Add(1)
}

func (r *recordingMetrics) RecordStepComplete(ctx context.Context, workflowID, stepID, state string, duration time.Duration) {
	r.stepCompletes.Add(1)
}

func (r *recordingMetrics) RecordStepRetry(ctx context.Context, workflowID, stepID string) {
	r.stepRetries.Add(1)
}

func (r *recordingMetrics) IncrementQueueDepth() { r.queueDepth.Add(1) }
func (r *recordingMetrics) DecrementQueueDepth() { r.queueDepth.Add(-1) }
