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

// Package server exposes the workflow engine over an HTTP JSON API:
// generation, analysis, execution, run inspection, and monitoring.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/autoflowhq/autoflow/internal/config"
	"github.com/autoflowhq/autoflow/internal/history"
	"github.com/autoflowhq/autoflow/internal/log"
	"github.com/autoflowhq/autoflow/internal/monitor"
	"github.com/autoflowhq/autoflow/internal/tracing"
	"github.com/autoflowhq/autoflow/pkg/adapter"
	"github.com/autoflowhq/autoflow/pkg/workflow"
)

// Options holds the server's collaborators. Engine, Registry, and
// Collector are required; the rest are optional.
type Options struct {
	Config    config.ServerConfig
	Logger    *slog.Logger
	Engine    *workflow.Engine
	Registry  *adapter.Registry
	Collector *monitor.Collector

	// Archive enables history-backed run listing and cache suggestions.
	Archive *history.Archive

	// Recorder tracks accepted runs so their completion is archived.
	Recorder *history.Recorder

	// Metrics records generation and planning counters.
	Metrics *tracing.MetricsCollector

	// MetricsHandler serves Prometheus metrics at /metrics.
	MetricsHandler http.Handler
}

// Server is the HTTP API daemon.
type Server struct {
	cfg       config.ServerConfig
	logger    *slog.Logger
	engine    *workflow.Engine
	registry  *adapter.Registry
	collector *monitor.Collector
	archive   *history.Archive
	recorder  *history.Recorder
	metrics   *tracing.MetricsCollector

	httpServer *http.Server
}

// New creates the server and registers all routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       opts.Config,
		logger:    log.WithComponent(logger, "server"),
		engine:    opts.Engine,
		registry:  opts.Registry,
		collector: opts.Collector,
		archive:   opts.Archive,
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux, opts.MetricsHandler)

	s.httpServer = &http.Server{
		Addr:         opts.Config.ListenAddr,
		Handler:      s.withRequestLogging(mux),
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
	}

	return s
}

// registerRoutes wires all API routes on the router.
func (s *Server) registerRoutes(mux *http.ServeMux, metricsHandler http.Handler) {
	mux.HandleFunc("POST /v1/workflows/generate", s.handleGenerate)
	mux.HandleFunc("POST /v1/workflows/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)

	mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /v1/runs/{id}", s.handleCancelRun)

	mux.HandleFunc("GET /v1/monitoring/health", s.handleHealth)
	mux.HandleFunc("GET /v1/monitoring/metrics", s.handleMetrics)

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP listener and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains active runs and stops the HTTP listener. New runs are
// refused as soon as draining starts; in-flight runs get up to the
// configured drain timeout to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down", "drain_timeout", s.cfg.DrainTimeout)

	s.engine.StartDraining()
	if err := s.engine.WaitForDrain(ctx, s.cfg.DrainTimeout); err != nil {
		s.logger.Warn("drain incomplete, forcing shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// withRequestLogging attaches a request ID and logs each request.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r)

		s.logger.Debug("request handled",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			log.DurationKey, time.Since(start).Milliseconds(),
		)
	})
}
