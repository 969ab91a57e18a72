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
	"sync"
	"time"
)

// EventType represents the type of execution event.
type EventType string

const (
	// EventRunStateChanged is emitted when a run changes state.
	EventRunStateChanged EventType = "run_state_changed"

	// EventStepCompleted is emitted when a step reaches a terminal state.
	EventStepCompleted EventType = "step_completed"

	// EventStepRetrying is emitted before a retry backoff sleep.
	EventStepRetrying EventType = "step_retrying"

	// EventRunCompleted is emitted when a run reaches a terminal state.
	EventRunCompleted EventType = "run_completed"
)

// Event represents an execution event consumed by the monitoring
// collector and other subscribers.
type Event struct {
	Type       EventType      `json:"type"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// EventListener is a function that handles execution events.
type EventListener func(ctx context.Context, event *Event) error

// EventEmitter manages event listeners and dispatches events.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventListener
	async     bool // If true, listeners are called asynchronously
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter(async bool) *EventEmitter {
	return &EventEmitter{
		listeners: make(map[EventType][]EventListener),
		async:     async,
	}
}

// On registers an event listener for the specified event type.
func (e *EventEmitter) On(eventType EventType, listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners[eventType] = append(e.listeners[eventType], listener)
}

// OnAny registers a listener for every event type.
func (e *EventEmitter) OnAny(listener EventListener) {
	for _, t := range []EventType{EventRunStateChanged, EventStepCompleted, EventStepRetrying, EventRunCompleted} {
		e.On(t, listener)
	}
}

// Off removes all listeners for the event type.
func (e *EventEmitter) Off(eventType EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.listeners, eventType)
}

// Emit dispatches an event to all registered listeners.
func (e *EventEmitter) Emit(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	listeners := make([]EventListener, len(e.listeners[event.Type]))
	copy(listeners, e.listeners[event.Type])
	e.mu.RUnlock()

	if e.async {
		return e.emitAsync(ctx, event, listeners)
	}
	return e.emitSync(ctx, event, listeners)
}

// emitSync calls listeners synchronously, continuing past failures and
// returning the last error.
func (e *EventEmitter) emitSync(ctx context.Context, event *Event, listeners []EventListener) error {
	var lastError error
	for _, listener := range listeners {
		if err := listener(ctx, event); err != nil {
			lastError = err
		}
	}
	return lastError
}

// emitAsync calls listeners concurrently and waits for completion.
func (e *EventEmitter) emitAsync(ctx context.Context, event *Event, listeners []EventListener) error {
	var wg sync.WaitGroup
	errChan := make(chan error, len(listeners))

	for _, listener := range listeners {
		wg.Add(1)
		go func(l EventListener) {
			defer wg.Done()
			if err := l(ctx, event); err != nil {
				errChan <- err
			}
		}(listener)
	}

	wg.Wait()
	close(errChan)

	var lastError error
	for err := range errChan {
		lastError = err
	}
	return lastError
}

// EmitRunStateChanged emits a run state transition event.
func (e *EventEmitter) EmitRunStateChanged(ctx context.Context, runID, workflowID string, from, to RunStatus) error {
	return e.Emit(ctx, &Event{
		Type:       EventRunStateChanged,
		RunID:      runID,
		WorkflowID: workflowID,
		Data: map[string]any{
			"from_status": string(from),
			"to_status":   string(to),
		},
	})
}

// EmitStepCompleted emits a step terminal-state event.
func (e *EventEmitter) EmitStepCompleted(ctx context.Context, runID, workflowID, stepID string, state StepState, duration time.Duration, attempts int) error {
	return e.Emit(ctx, &Event{
		Type:       EventStepCompleted,
		RunID:      runID,
		WorkflowID: workflowID,
		StepID:     stepID,
		Data: map[string]any{
			"state":       string(state),
			"duration_ms": duration.Milliseconds(),
			"attempts":    attempts,
		},
	})
}

// EmitStepRetrying emits a retry event with the upcoming backoff.
func (e *EventEmitter) EmitStepRetrying(ctx context.Context, runID, workflowID, stepID string, attempt int, backoff time.Duration) error {
	return e.Emit(ctx, &Event{
		Type:       EventStepRetrying,
		RunID:      runID,
		WorkflowID: workflowID,
		StepID:     stepID,
		Data: map[string]any{
			"attempt":    attempt,
			"backoff_ms": backoff.Milliseconds(),
		},
	})
}

// EmitRunCompleted emits a run terminal-state event.
func (e *EventEmitter) EmitRunCompleted(ctx context.Context, runID, workflowID string, status RunStatus, duration time.Duration) error {
	return e.Emit(ctx, &Event{
		Type:       EventRunCompleted,
		RunID:      runID,
		WorkflowID: workflowID,
		Data: map[string]any{
			"status":      string(status),
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// ListenerCount returns the number of listeners for a given event type.
func (e *EventEmitter) ListenerCount(eventType EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.listeners[eventType])
}
