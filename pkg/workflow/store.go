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
	"sort"
	"sync"

	"github.com/autoflowhq/autoflow/pkg/errors"
)

// ListFilter contains filtering options for listing runs.
type ListFilter struct {
	Status     RunStatus
	WorkflowID string
	Limit      int
}

// RunStore holds the engine's runs. It is thread-safe; external callers
// only receive immutable snapshots.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRunStore creates an empty in-memory run store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*Run)}
}

// Add registers a run. The run must have a unique ID.
func (s *RunStore) Add(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return &errors.ValidationError{
			Field:   "run_id",
			Message: "run already exists: " + run.ID,
		}
	}
	s.runs[run.ID] = run
	return nil
}

// Get returns an immutable snapshot of a run.
func (s *RunStore) Get(id string) (*RunSnapshot, error) {
	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return run.snapshot(), nil
}

// getInternal returns the mutable run for engine-internal use.
func (s *RunStore) getInternal(id string) (*Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

// List returns snapshots of runs matching the filter, newest first.
func (s *RunStore) List(filter ListFilter) []*RunSnapshot {
	s.mu.RLock()
	var out []*RunSnapshot
	for _, run := range s.runs {
		snap := run.snapshot()
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && snap.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, snap)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// ActiveCount returns the number of runs not yet in a terminal state.
func (s *RunStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, run := range s.runs {
		run.mu.RLock()
		terminal := run.Status.Terminal()
		run.mu.RUnlock()
		if !terminal {
			count++
		}
	}
	return count
}
