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
	"testing"
	"time"

	"github.com/autoflowhq/autoflow/pkg/errors"
)

func storeRun(id string) *Run {
	return newRun(id, &Plan{ID: "plan-" + id, WorkflowID: "wf-" + id, Stages: []Stage{{"a"}}})
}

func TestRunStoreAdd(t *testing.T) {
	t.Run("add and get", func(t *testing.T) {
		store := NewRunStore()
		run := storeRun("r1")
		if err := store.Add(run); err != nil {
			t.Fatalf("Add() error = %v", err)
		}

		snap, err := store.Get("r1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if snap.ID != "r1" || snap.Status != RunStatusPending {
			t.Errorf("snapshot = %s/%s, want r1/pending", snap.ID, snap.Status)
		}
		if len(snap.Steps) != 1 {
			t.Errorf("snapshot has %d steps, want 1", len(snap.Steps))
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		store := NewRunStore()
		if err := store.Add(storeRun("r1")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		err := store.Add(storeRun("r1"))
		var valErr *errors.ValidationError
		if !errors.As(err, &valErr) {
			t.Fatalf("Add() error = %v, want ValidationError", err)
		}
	})

	t.Run("get unknown run", func(t *testing.T) {
		store := NewRunStore()
		_, err := store.Get("missing")
		var notFound *errors.NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("Get() error = %v, want NotFoundError", err)
		}
	})
}

func TestRunStoreList(t *testing.T) {
	store := NewRunStore()
	r1, r2, r3 := storeRun("r1"), storeRun("r2"), storeRun("r3")
	// Distinct creation times to exercise newest-first ordering.
	r1.CreatedAt = time.Now().UTC().Add(-2 * time.Second)
	r2.CreatedAt = time.Now().UTC().Add(-1 * time.Second)
	r3.CreatedAt = time.Now().UTC()
	for _, run := range []*Run{r1, r2, r3} {
		if err := store.Add(run); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	r1.setStatus(RunStatusSucceeded)

	t.Run("newest first", func(t *testing.T) {
		out := store.List(ListFilter{})
		if len(out) != 3 {
			t.Fatalf("got %d runs, want 3", len(out))
		}
		if out[0].ID != "r3" || out[2].ID != "r1" {
			t.Errorf("order = %s, %s, %s; want r3 first, r1 last", out[0].ID, out[1].ID, out[2].ID)
		}
	})

	t.Run("status filter", func(t *testing.T) {
		out := store.List(ListFilter{Status: RunStatusSucceeded})
		if len(out) != 1 || out[0].ID != "r1" {
			t.Fatalf("got %v, want exactly r1", out)
		}
	})

	t.Run("workflow filter", func(t *testing.T) {
		out := store.List(ListFilter{WorkflowID: "wf-r2"})
		if len(out) != 1 || out[0].ID != "r2" {
			t.Fatalf("got %v, want exactly r2", out)
		}
	})

	t.Run("limit", func(t *testing.T) {
		out := store.List(ListFilter{Limit: 2})
		if len(out) != 2 {
			t.Fatalf("got %d runs, want 2", len(out))
		}
		if out[0].ID != "r3" {
			t.Errorf("limited list should keep newest first, got %s", out[0].ID)
		}
	})

	t.Run("active count excludes terminal runs", func(t *testing.T) {
		if got := store.ActiveCount(); got != 2 {
			t.Errorf("ActiveCount() = %d, want 2", got)
		}
	})
}

func TestRunSnapshotIsolation(t *testing.T) {
	run := storeRun("r1")
	run.updateStep("a", func(sr *StepResult) {
		sr.State = StepStateSucceeded
		sr.Output = map[string]any{"count": 1}
	})

	snap := run.snapshot()
	snap.Steps["a"].Output["count"] = 99

	run.mu.RLock()
	defer run.mu.RUnlock()
	if run.Steps["a"].Output["count"] != 1 {
		t.Error("mutating a snapshot must not affect engine-owned state")
	}
}
