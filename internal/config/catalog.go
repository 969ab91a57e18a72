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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/autoflowhq/autoflow/pkg/adapter"
	autoflowerrors "github.com/autoflowhq/autoflow/pkg/errors"
)

// catalogFile is the on-disk shape of a capability catalog.
type catalogFile struct {
	Capabilities []adapter.Capability `yaml:"capabilities"`
}

// LoadCatalog reads a capability catalog from a YAML file.
func LoadCatalog(path string) (*adapter.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &autoflowerrors.ConfigError{Key: "catalog.path", Reason: "cannot read catalog file", Cause: err}
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &autoflowerrors.ConfigError{Key: "catalog.path", Reason: "invalid catalog YAML", Cause: err}
	}
	if len(file.Capabilities) == 0 {
		return nil, &autoflowerrors.ConfigError{Key: "catalog.path", Reason: "catalog has no capabilities"}
	}

	for i, cap := range file.Capabilities {
		if cap.Service == "" || cap.Action == "" {
			return nil, &autoflowerrors.ConfigError{
				Key:    "catalog.path",
				Reason: fmt.Sprintf("capability %d missing service or action", i),
			}
		}
	}

	return adapter.NewCatalog(file.Capabilities), nil
}

// CatalogWatcher monitors a catalog file for changes and reloads it.
type CatalogWatcher struct {
	// fsWatcher is the underlying filesystem watcher
	fsWatcher *fsnotify.Watcher

	// path is the watched catalog file
	path string

	// onReload receives each successfully loaded catalog
	onReload func(*adapter.Catalog)

	// logger is used for structured logging
	logger *slog.Logger

	// debounceDelay is the delay before reloading after file changes
	debounceDelay time.Duration

	// pendingReload is the debounced reload timer
	pendingReload *time.Timer

	// mu protects pendingReload
	mu sync.Mutex

	// ctx is the watcher's lifecycle context
	ctx context.Context

	// cancel stops the watcher
	cancel context.CancelFunc

	// wg tracks active goroutines
	wg sync.WaitGroup
}

// WatchCatalog starts watching the catalog file at path. Each time the
// file changes and parses cleanly, onReload is called with the new
// catalog. Parse failures keep the previous catalog and log a warning.
func WatchCatalog(path string, logger *slog.Logger, onReload func(*adapter.Catalog)) (*CatalogWatcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("onReload is required")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory rather than the file so editors that replace
	// the file (rename over) keep triggering events.
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch path %s: %w", absPath, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &CatalogWatcher{
		fsWatcher:     fsWatcher,
		path:          absPath,
		onReload:      onReload,
		logger:        logger,
		debounceDelay: 200 * time.Millisecond,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// processEvents processes filesystem events and schedules reloads.
func (w *CatalogWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				abs, err := filepath.Abs(event.Name)
				if err != nil || abs != w.path {
					continue
				}
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("catalog watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

// scheduleReload schedules a debounced reload of the catalog file.
func (w *CatalogWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingReload != nil {
		w.pendingReload.Stop()
	}
	w.pendingReload = time.AfterFunc(w.debounceDelay, w.reload)
}

// reload loads the catalog file and delivers it to the callback.
func (w *CatalogWatcher) reload() {
	catalog, err := LoadCatalog(w.path)
	if err != nil {
		w.logger.Warn("catalog reload failed, keeping previous catalog",
			"path", w.path,
			"error", err,
		)
		return
	}

	w.logger.Info("catalog reloaded",
		"path", w.path,
		"capabilities", catalog.Len(),
	)
	w.onReload(catalog)
}

// Close shuts down the watcher.
func (w *CatalogWatcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pendingReload != nil {
		w.pendingReload.Stop()
	}
	w.mu.Unlock()

	w.wg.Wait()

	return w.fsWatcher.Close()
}
