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

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/autoflowhq/autoflow/internal/config"
	"github.com/autoflowhq/autoflow/internal/history"
	"github.com/autoflowhq/autoflow/internal/log"
	"github.com/autoflowhq/autoflow/internal/monitor"
	"github.com/autoflowhq/autoflow/internal/server"
	"github.com/autoflowhq/autoflow/internal/tracing"
	"github.com/autoflowhq/autoflow/pkg/adapter"
	"github.com/autoflowhq/autoflow/pkg/workflow"
)

func newServeCommand() *cobra.Command {
	var (
		configPath  string
		listenAddr  string
		catalogPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Autoflow HTTP daemon",
		Long: `Start the HTTP daemon serving workflow generation, analysis,
execution, and monitoring endpoints. The daemon drains active runs on
SIGTERM before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, listenAddr, catalogPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "TCP address to listen on (overrides config)")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Path to capability catalog YAML (overrides config)")

	return cmd
}

func runServe(configPath, listenAddr, catalogPath string) error {
	logCfg := log.FromEnv()
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if catalogPath != "" {
		cfg.Catalog.Path = catalogPath
	}

	// The config file can set the log level when the environment doesn't.
	if os.Getenv("LOG_LEVEL") == "" && os.Getenv("AUTOFLOW_DEBUG") == "" && os.Getenv("AUTOFLOW_LOG_LEVEL") == "" {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = log.Format(cfg.Log.Format)
		logger = log.New(logCfg)
		slog.SetDefault(logger)
	}

	catalog := builtinCatalog()
	if cfg.Catalog.Path != "" {
		catalog, err = config.LoadCatalog(cfg.Catalog.Path)
		if err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
	}

	registry := adapter.NewRegistry(catalog,
		adapter.WithLogger(logger),
		adapter.WithPerServiceConcurrency(cfg.Engine.PerServiceConcurrency),
	)
	for _, service := range catalog.Services() {
		registry.Register(service, simulatedAdapter(service))
	}

	if cfg.CatalogWatchEnabled() {
		watcher, err := config.WatchCatalog(cfg.Catalog.Path, logger, func(c *adapter.Catalog) {
			registry.SetCatalog(c)
			for _, service := range c.Services() {
				registry.Register(service, simulatedAdapter(service))
			}
		})
		if err != nil {
			logger.Warn("catalog watch disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	provider, err := tracing.NewProvider("autoflow", version)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer provider.Shutdown(context.Background())

	engineMode := workflow.EngineMode(cfg.Engine.Mode)
	engine := workflow.NewEngine(registry,
		workflow.WithEngineLogger(logger),
		workflow.WithMaxWorkers(cfg.Engine.MaxWorkers),
		workflow.WithEngineMode(engineMode),
		workflow.WithMetrics(provider.MetricsCollector()),
	)

	collector := monitor.New(monitor.Config{
		BufferSize:       cfg.Monitor.BufferSize,
		Window:           cfg.Monitor.Window,
		FailureThreshold: cfg.Monitor.FailureThreshold,
	})
	collector.Attach(engine.Emitter())

	var (
		archive  *history.Archive
		recorder *history.Recorder
	)
	if cfg.History.Path != "" {
		archive, err = history.New(history.Config{Path: cfg.History.Path, WAL: true})
		if err != nil {
			return fmt.Errorf("failed to open run history: %w", err)
		}
		defer archive.Close()

		recorder = history.NewRecorder(archive, engine, logger)
		recorder.Attach(engine.Emitter())
	}

	srv := server.New(server.Options{
		Config:         cfg.Server,
		Logger:         logger,
		Engine:         engine,
		Registry:       registry,
		Collector:      collector,
		Archive:        archive,
		Recorder:       recorder,
		Metrics:        provider.MetricsCollector(),
		MetricsHandler: provider.MetricsHandler(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", log.Error(err))
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// simulatedAdapter returns a stand-in adapter that acknowledges every
// action. Real deployments register service-specific adapters; the
// simulator keeps the daemon usable without external credentials.
func simulatedAdapter(service string) adapter.ServiceAdapter {
	return adapter.Func(func(ctx context.Context, action string, params map[string]any) (adapter.Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return adapter.Result{
			"status":  "ok",
			"service": service,
			"action":  action,
		}, nil
	})
}

// builtinCatalog is the default capability catalog used when no catalog
// file is configured.
func builtinCatalog() *adapter.Catalog {
	return adapter.NewCatalog([]adapter.Capability{
		{
			Service:           "gmail",
			Action:            "search_emails",
			Description:       "Search a Gmail mailbox for matching messages",
			Keywords:          []string{"email", "emails", "inbox", "mail"},
			EstimatedDuration: 2,
			Trigger:           true,
			Idempotent:        true,
			SideEffectFree:    true,
		},
		{
			Service:           "gmail",
			Action:            "send_email",
			Description:       "Send an email",
			Keywords:          []string{"send", "reply", "forward"},
			RequiredParams:    []string{"to", "subject"},
			EstimatedDuration: 1,
		},
		{
			Service:           "asana",
			Action:            "create_task",
			Description:       "Create a task in an Asana project",
			Keywords:          []string{"task", "tasks", "todo"},
			RequiredParams:    []string{"name"},
			EstimatedDuration: 1,
		},
		{
			Service:           "slack",
			Action:            "notify",
			Description:       "Post a notification message to a Slack channel",
			Keywords:          []string{"notify", "message", "alert", "announce"},
			RequiredParams:    []string{"channel"},
			EstimatedDuration: 1,
			RateLimited:       true,
		},
		{
			Service:           "calendar",
			Action:            "create_event",
			Description:       "Create a calendar event",
			Keywords:          []string{"meeting", "event", "schedule"},
			RequiredParams:    []string{"title", "start"},
			EstimatedDuration: 1,
		},
		{
			Service:           "drive",
			Action:            "upload_file",
			Description:       "Upload a file to cloud storage",
			Keywords:          []string{"upload", "file", "files", "document"},
			RequiredParams:    []string{"path"},
			EstimatedDuration: 3,
			Idempotent:        true,
		},
		{
			Service:           "sheets",
			Action:            "append_row",
			Description:       "Append a row to a spreadsheet",
			Keywords:          []string{"spreadsheet", "sheet", "row", "log"},
			RequiredParams:    []string{"spreadsheet_id"},
			EstimatedDuration: 1,
			RateLimited:       true,
		},
	})
}
