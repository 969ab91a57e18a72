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

// Package tracing provides OpenTelemetry metric instrumentation for the
// execution engine. Metrics are exported in Prometheus format via the
// observability provider.
package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector collects Prometheus-compatible metrics for workflow
// generation and execution. It satisfies the engine's metrics recorder.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	runsTotal        metric.Int64Counter
	stepsTotal       metric.Int64Counter
	retriesTotal     metric.Int64Counter
	generationsTotal metric.Int64Counter
	plansTotal       metric.Int64Counter

	// Histograms
	runDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram

	// Gauges (using observable gauges)
	activeRuns   map[string]bool // Track active run IDs
	activeRunsMu sync.RWMutex
	queueDepth   int64 // Track steps waiting on the worker pool
	queueDepthMu sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("autoflow")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error

	mc.runsTotal, err = meter.Int64Counter(
		"autoflow_runs_total",
		metric.WithDescription("Total number of workflow runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepsTotal, err = meter.Int64Counter(
		"autoflow_steps_total",
		metric.WithDescription("Total number of workflow steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.retriesTotal, err = meter.Int64Counter(
		"autoflow_step_retries_total",
		metric.WithDescription("Total number of step retry attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	mc.generationsTotal, err = meter.Int64Counter(
		"autoflow_generations_total",
		metric.WithDescription("Total number of workflow generation requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	mc.plansTotal, err = meter.Int64Counter(
		"autoflow_plans_total",
		metric.WithDescription("Total number of execution plans produced"),
		metric.WithUnit("{plan}"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"autoflow_run_duration_seconds",
		metric.WithDescription("Workflow run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"autoflow_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"autoflow_active_runs",
		metric.WithDescription("Number of currently active workflow runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"autoflow_queue_depth",
		metric.WithDescription("Number of steps waiting on the worker pool"),
		metric.WithUnit("{step}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.queueDepthMu.RLock()
			depth := mc.queueDepth
			mc.queueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart records the start of a workflow run
func (mc *MetricsCollector) RecordRunStart(ctx context.Context, runID, workflowID string) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[runID] = true
	mc.activeRunsMu.Unlock()
}

// RecordRunComplete records the completion of a workflow run
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, runID, workflowID, status string, duration time.Duration) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, runID)
	mc.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflowID),
		attribute.String("status", status),
	}

	mc.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStepComplete records the completion of a workflow step
func (mc *MetricsCollector) RecordStepComplete(ctx context.Context, workflowID, stepID, state string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflowID),
		attribute.String("step", stepID),
		attribute.String("status", state),
	}

	mc.stepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStepRetry records a retry attempt for a step
func (mc *MetricsCollector) RecordStepRetry(ctx context.Context, workflowID, stepID string) {
	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflowID),
		attribute.String("step", stepID),
	}

	mc.retriesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGeneration records a workflow generation request
func (mc *MetricsCollector) RecordGeneration(ctx context.Context, mode, status string) {
	attrs := []attribute.KeyValue{
		attribute.String("mode", mode),
		attribute.String("status", status),
	}

	mc.generationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPlan records an execution plan production
func (mc *MetricsCollector) RecordPlan(ctx context.Context, strategy, status string) {
	attrs := []attribute.KeyValue{
		attribute.String("strategy", strategy),
		attribute.String("status", status),
	}

	mc.plansTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// IncrementQueueDepth increments the pending step queue depth
func (mc *MetricsCollector) IncrementQueueDepth() {
	mc.queueDepthMu.Lock()
	mc.queueDepth++
	mc.queueDepthMu.Unlock()
}

// DecrementQueueDepth decrements the pending step queue depth
func (mc *MetricsCollector) DecrementQueueDepth() {
	mc.queueDepthMu.Lock()
	if mc.queueDepth > 0 {
		mc.queueDepth--
	}
	mc.queueDepthMu.Unlock()
}
