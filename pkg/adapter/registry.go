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

package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/autoflowhq/autoflow/pkg/errors"
)

// DefaultPerServiceConcurrency is the default number of in-flight
// invocations allowed per service. Services share connection and quota
// budgets across concurrently running steps, so dispatch is throttled
// here rather than in the engine.
const DefaultPerServiceConcurrency = 4

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets a custom logger for the registry.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithPerServiceConcurrency sets the per-service in-flight invocation cap.
func WithPerServiceConcurrency(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.perServiceSlots = n
		}
	}
}

// WithRateLimit applies a token-bucket rate limit to a service. Steps
// targeting the service wait for a token before dispatch.
func WithRateLimit(service string, perSecond float64, burst int) RegistryOption {
	return func(r *Registry) {
		r.limiters[service] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Registry holds the registered service adapters and enforces the shared
// per-service dispatch budget (a semaphore plus an optional rate limiter),
// independent of stage-level parallelism in the engine.
type Registry struct {
	mu              sync.RWMutex
	adapters        map[string]ServiceAdapter
	catalog         *Catalog
	semaphores      map[string]chan struct{}
	limiters        map[string]*rate.Limiter
	perServiceSlots int
	logger          *slog.Logger
}

// NewRegistry creates a registry over the given catalog.
func NewRegistry(catalog *Catalog, opts ...RegistryOption) *Registry {
	r := &Registry{
		adapters:        make(map[string]ServiceAdapter),
		catalog:         catalog,
		semaphores:      make(map[string]chan struct{}),
		limiters:        make(map[string]*rate.Limiter),
		perServiceSlots: DefaultPerServiceConcurrency,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds an adapter to a service name.
func (r *Registry) Register(service string, a ServiceAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[service] = a
	if _, ok := r.semaphores[service]; !ok {
		r.semaphores[service] = make(chan struct{}, r.perServiceSlots)
	}
}

// Describe returns the capability metadata for a service.
func (r *Registry) Describe(service string) []Capability {
	return r.catalog.ForService(service)
}

// Catalog returns the registry's capability catalog.
func (r *Registry) Catalog() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog
}

// SetCatalog swaps the capability catalog. Used by the config watcher
// when the catalog file changes on disk.
func (r *Registry) SetCatalog(catalog *Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog = catalog
	r.logger.Info("capability catalog reloaded", "capabilities", catalog.Len())
}

// Invoke dispatches one action to the named service's adapter, applying
// the per-service concurrency budget, the optional rate limit, and the
// per-invocation timeout. Exceeding the timeout yields a transient
// AdapterError so the engine retries per step policy.
func (r *Registry) Invoke(ctx context.Context, service, action string, params map[string]any, timeout time.Duration) (Result, error) {
	r.mu.RLock()
	a, ok := r.adapters[service]
	sem := r.semaphores[service]
	limiter := r.limiters[service]
	r.mu.RUnlock()

	if !ok {
		return nil, &errors.NotFoundError{Resource: "service", ID: service}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Acquire the shared per-service slot before dispatch.
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, r.classifyCtxErr(ctx, service, action, timeout)
	}
	defer func() { <-sem }()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, r.classifyCtxErr(ctx, service, action, timeout)
			}
			// Wait can fail without a context error when the limiter is
			// misconfigured (burst smaller than the request).
			return nil, &errors.AdapterError{
				Service: service,
				Action:  action,
				Message: "rate limiter rejected dispatch",
				Cause:   err,
			}
		}
	}

	start := time.Now()
	result, err := a.Invoke(ctx, action, params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.AdapterError{
				Service:   service,
				Action:    action,
				Transient: true,
				Message:   "invocation timed out",
				Cause: &errors.TimeoutError{
					Operation: "adapter invoke",
					Duration:  timeout,
					Cause:     err,
				},
			}
		}
		return nil, err
	}

	if result == nil {
		// Contract violation: Invoke returned nil without error.
		return nil, &errors.AdapterError{
			Service: service,
			Action:  action,
			Message: "adapter returned nil result without error",
		}
	}

	r.logger.Debug("adapter invocation complete",
		"service", service,
		"action", action,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

// classifyCtxErr maps a context failure during throttling to the error
// taxonomy: deadline expiry is a transient adapter error, cancellation
// propagates as-is so the engine can treat it as run cancellation.
func (r *Registry) classifyCtxErr(ctx context.Context, service, action string, timeout time.Duration) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &errors.AdapterError{
			Service:   service,
			Action:    action,
			Transient: true,
			Message:   "timed out waiting for dispatch slot",
			Cause: &errors.TimeoutError{
				Operation: "adapter dispatch",
				Duration:  timeout,
			},
		}
	}
	return ctx.Err()
}
