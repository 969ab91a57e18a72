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

// Package config loads and validates the daemon configuration from YAML
// with environment variable overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	autoflowerrors "github.com/autoflowhq/autoflow/pkg/errors"
)

// Config represents the complete Autoflow daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Monitor MonitorConfig `yaml:"monitor"`
	Catalog CatalogConfig `yaml:"catalog"`
	History HistoryConfig `yaml:"history"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on (e.g., ":8080").
	// Environment: AUTOFLOW_LISTEN
	// Default: "127.0.0.1:8080"
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// ReadTimeout bounds request header and body reads.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty"`

	// WriteTimeout bounds response writes.
	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DrainTimeout is the maximum duration to wait for active runs to
	// complete during shutdown. When the daemon receives SIGTERM it stops
	// accepting new runs and waits up to this duration before forcing exit.
	// Environment: AUTOFLOW_DRAIN_TIMEOUT
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	// Default: json
	Format string `yaml:"format,omitempty"`
}

// EngineConfig configures the execution engine.
type EngineConfig struct {
	// MaxWorkers bounds concurrent step execution across all runs.
	// Environment: AUTOFLOW_MAX_WORKERS
	// Default: 8
	MaxWorkers int `yaml:"max_workers,omitempty"`

	// Mode selects the execution mode (baseline, enhanced).
	// Default: baseline
	Mode string `yaml:"mode,omitempty"`

	// DefaultStepTimeout is applied to steps without an explicit timeout.
	// Default: 30s
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout,omitempty"`

	// PerServiceConcurrency bounds in-flight invocations per service.
	// Default: 4
	PerServiceConcurrency int `yaml:"per_service_concurrency,omitempty"`
}

// MonitorConfig configures the monitoring collector.
type MonitorConfig struct {
	// Window is the rolling window for health and metrics queries.
	// Default: 5m
	Window time.Duration `yaml:"window,omitempty"`

	// FailureThreshold is the step failure rate above which health
	// reports degraded.
	// Default: 0.5
	FailureThreshold float64 `yaml:"failure_threshold,omitempty"`

	// BufferSize bounds the event ring buffer.
	// Default: 4096
	BufferSize int `yaml:"buffer_size,omitempty"`
}

// CatalogConfig configures the capability catalog source.
type CatalogConfig struct {
	// Path is the YAML capability catalog file. When set, the daemon
	// watches it for changes and hot-reloads the catalog.
	// Environment: AUTOFLOW_CATALOG
	Path string `yaml:"path,omitempty"`

	// Watch enables hot reloading of the catalog file.
	// Default: true when Path is set
	Watch *bool `yaml:"watch,omitempty"`
}

// HistoryConfig configures the run history archive.
type HistoryConfig struct {
	// Path is the SQLite database file for archived runs. Empty disables
	// the archive.
	// Environment: AUTOFLOW_HISTORY_PATH
	Path string `yaml:"path,omitempty"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			MaxWorkers:            8,
			Mode:                  "baseline",
			DefaultStepTimeout:    30 * time.Second,
			PerServiceConcurrency: 4,
		},
		Monitor: MonitorConfig{
			Window:           5 * time.Minute,
			FailureThreshold: 0.5,
			BufferSize:       4096,
		},
	}
}

// Load reads the configuration file at path, applies environment
// overrides, and validates the result. An empty path loads defaults
// plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &autoflowerrors.ConfigError{Key: "config_file", Reason: "cannot read file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &autoflowerrors.ConfigError{Key: "config_file", Reason: "invalid YAML", Cause: err}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded values.
func (c *Config) applyEnv() {
	if v := os.Getenv("AUTOFLOW_LISTEN"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("AUTOFLOW_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.DrainTimeout = d
		}
	}
	if v := os.Getenv("AUTOFLOW_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxWorkers = n
		}
	}
	if v := os.Getenv("AUTOFLOW_ENGINE_MODE"); v != "" {
		c.Engine.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("AUTOFLOW_CATALOG"); v != "" {
		c.Catalog.Path = v
	}
	if v := os.Getenv("AUTOFLOW_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = def.Server.ListenAddr
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Server.DrainTimeout <= 0 {
		c.Server.DrainTimeout = def.Server.DrainTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Engine.MaxWorkers <= 0 {
		c.Engine.MaxWorkers = def.Engine.MaxWorkers
	}
	if c.Engine.Mode == "" {
		c.Engine.Mode = def.Engine.Mode
	}
	if c.Engine.DefaultStepTimeout <= 0 {
		c.Engine.DefaultStepTimeout = def.Engine.DefaultStepTimeout
	}
	if c.Engine.PerServiceConcurrency <= 0 {
		c.Engine.PerServiceConcurrency = def.Engine.PerServiceConcurrency
	}
	if c.Monitor.Window <= 0 {
		c.Monitor.Window = def.Monitor.Window
	}
	if c.Monitor.FailureThreshold <= 0 {
		c.Monitor.FailureThreshold = def.Monitor.FailureThreshold
	}
	if c.Monitor.BufferSize <= 0 {
		c.Monitor.BufferSize = def.Monitor.BufferSize
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Engine.Mode {
	case "baseline", "enhanced":
	default:
		return &autoflowerrors.ConfigError{Key: "engine.mode", Reason: "must be baseline or enhanced"}
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return &autoflowerrors.ConfigError{Key: "log.format", Reason: "must be json or text"}
	}

	if c.Monitor.FailureThreshold > 1 {
		return &autoflowerrors.ConfigError{Key: "monitor.failure_threshold", Reason: "must be in (0, 1]"}
	}

	return nil
}

// CatalogWatchEnabled reports whether the catalog file should be watched.
func (c *Config) CatalogWatchEnabled() bool {
	if c.Catalog.Path == "" {
		return false
	}
	if c.Catalog.Watch == nil {
		return true
	}
	return *c.Catalog.Watch
}
