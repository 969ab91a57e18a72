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

// Package monitor aggregates execution events into health and metrics
// views. The collector keeps a bounded ring buffer of recent events and
// derives snapshots on demand; it is never authoritative state.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/autoflowhq/autoflow/pkg/workflow"
)

// Health states reported by the collector.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Defaults applied when the caller leaves Config fields zero.
const (
	DefaultBufferSize       = 4096
	DefaultWindow           = 5 * time.Minute
	DefaultFailureThreshold = 0.5
)

// Config tunes the collector.
type Config struct {
	// BufferSize bounds the event ring buffer; oldest events are
	// evicted first.
	BufferSize int

	// Window is the rolling window for health and metrics queries.
	Window time.Duration

	// FailureThreshold is the step failure rate above which health
	// reports degraded.
	FailureThreshold float64
}

// MetricsSnapshot is an aggregated view over the rolling window.
// It is rebuilt from the event stream on every query.
type MetricsSnapshot struct {
	WindowSeconds    float64 `json:"window_seconds"`
	TotalSteps       int     `json:"total_steps"`
	SucceededSteps   int     `json:"succeeded_steps"`
	FailedSteps      int     `json:"failed_steps"`
	SkippedSteps     int     `json:"skipped_steps"`
	RetryEvents      int     `json:"retry_events"`
	SuccessRate      float64 `json:"success_rate"`
	P50StepLatencyMs float64 `json:"p50_step_latency_ms"`
	P95StepLatencyMs float64 `json:"p95_step_latency_ms"`
	ActiveRuns       int     `json:"active_runs"`
	CompletedRuns    int     `json:"completed_runs"`
	GeneratedAt      string  `json:"generated_at"`
}

// Collector subscribes to execution events and answers health and
// metrics queries. Record is fire-and-forget; queries have no side
// effects.
type Collector struct {
	mu         sync.RWMutex
	ring       []workflow.Event
	next       int
	full       bool
	activeRuns int

	window    time.Duration
	threshold float64
}

// New creates a collector with the given configuration.
func New(cfg Config) *Collector {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Collector{
		ring:      make([]workflow.Event, cfg.BufferSize),
		window:    cfg.Window,
		threshold: cfg.FailureThreshold,
	}
}

// Attach subscribes the collector to all event types on the emitter.
func (c *Collector) Attach(emitter *workflow.EventEmitter) {
	emitter.OnAny(func(_ context.Context, event *workflow.Event) error {
		c.Record(*event)
		return nil
	})
}

// Record appends an event to the ring buffer, evicting the oldest entry
// when full. It never blocks and never fails.
func (c *Collector) Record(event workflow.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring[c.next] = event
	c.next++
	if c.next == len(c.ring) {
		c.next = 0
		c.full = true
	}

	// Track the active run gauge from state transitions.
	switch event.Type {
	case workflow.EventRunStateChanged:
		if to, _ := event.Data["to_status"].(string); to == string(workflow.RunStatusRunning) {
			c.activeRuns++
		}
	case workflow.EventRunCompleted:
		if c.activeRuns > 0 {
			c.activeRuns--
		}
	}
}

// Health reports ok or degraded based on the rolling step failure rate.
func (c *Collector) Health() string {
	snap := c.Metrics(c.window)
	if snap.TotalSteps == 0 {
		return HealthOK
	}
	if 1-snap.SuccessRate > c.threshold {
		return HealthDegraded
	}
	return HealthOK
}

// Metrics derives a snapshot over the given window. A zero window uses
// the configured default.
func (c *Collector) Metrics(window time.Duration) MetricsSnapshot {
	if window <= 0 {
		window = c.window
	}
	cutoff := time.Now().Add(-window)

	c.mu.RLock()
	events := c.recentLocked(cutoff)
	active := c.activeRuns
	c.mu.RUnlock()

	snap := MetricsSnapshot{
		WindowSeconds: window.Seconds(),
		ActiveRuns:    active,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	var latencies []float64
	for _, ev := range events {
		switch ev.Type {
		case workflow.EventStepCompleted:
			snap.TotalSteps++
			state, _ := ev.Data["state"].(string)
			switch workflow.StepState(state) {
			case workflow.StepStateSucceeded:
				snap.SucceededSteps++
			case workflow.StepStateFailed:
				snap.FailedSteps++
			case workflow.StepStateSkipped:
				snap.SkippedSteps++
			}
			if ms, ok := toFloat(ev.Data["duration_ms"]); ok && ms >= 0 {
				latencies = append(latencies, ms)
			}
		case workflow.EventStepRetrying:
			snap.RetryEvents++
		case workflow.EventRunCompleted:
			snap.CompletedRuns++
		}
	}

	if counted := snap.SucceededSteps + snap.FailedSteps; counted > 0 {
		snap.SuccessRate = float64(snap.SucceededSteps) / float64(counted)
	} else {
		snap.SuccessRate = 1
	}

	snap.P50StepLatencyMs = percentile(latencies, 0.50)
	snap.P95StepLatencyMs = percentile(latencies, 0.95)

	return snap
}

// recentLocked returns buffered events newer than the cutoff in
// insertion order. Caller holds at least a read lock.
func (c *Collector) recentLocked(cutoff time.Time) []workflow.Event {
	size := c.next
	if c.full {
		size = len(c.ring)
	}
	out := make([]workflow.Event, 0, size)

	appendIf := func(ev workflow.Event) {
		if ev.Type != "" && ev.Timestamp.After(cutoff) {
			out = append(out, ev)
		}
	}

	if c.full {
		for i := c.next; i < len(c.ring); i++ {
			appendIf(c.ring[i])
		}
	}
	for i := 0; i < c.next; i++ {
		appendIf(c.ring[i])
	}
	return out
}

// percentile computes the pth percentile (0..1) using nearest-rank.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
