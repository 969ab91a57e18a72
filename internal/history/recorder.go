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

package history

import (
	"context"
	"log/slog"
	"sync"

	"github.com/autoflowhq/autoflow/pkg/workflow"
)

// SnapshotSource provides terminal run snapshots. Satisfied by
// *workflow.Engine.
type SnapshotSource interface {
	Get(runID string) (*workflow.RunSnapshot, error)
}

// Recorder archives completed runs. It tracks the definition behind
// each accepted run and writes the archive entry when the run's
// completion event arrives.
type Recorder struct {
	archive *Archive
	source  SnapshotSource
	logger  *slog.Logger

	mu   sync.Mutex
	defs map[string]*workflow.Definition
}

// NewRecorder creates a recorder writing to the given archive.
func NewRecorder(archive *Archive, source SnapshotSource, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		archive: archive,
		source:  source,
		logger:  logger,
		defs:    make(map[string]*workflow.Definition),
	}
}

// Track registers the definition behind an accepted run.
func (r *Recorder) Track(runID string, def *workflow.Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[runID] = def
}

// Attach subscribes the recorder to run completion events.
func (r *Recorder) Attach(emitter *workflow.EventEmitter) {
	emitter.On(workflow.EventRunCompleted, func(ctx context.Context, event *workflow.Event) error {
		r.record(event.RunID)
		return nil
	})
}

// record archives a completed run and forgets its definition.
func (r *Recorder) record(runID string) {
	r.mu.Lock()
	def, ok := r.defs[runID]
	delete(r.defs, runID)
	r.mu.Unlock()

	if !ok {
		// Run was not tracked (e.g. submitted before the recorder
		// attached); nothing to archive.
		return
	}

	snap, err := r.source.Get(runID)
	if err != nil {
		r.logger.Warn("cannot snapshot run for archiving", "run_id", runID, "error", err)
		return
	}

	if err := r.archive.ArchiveRun(context.Background(), def, snap); err != nil {
		r.logger.Warn("failed to archive run", "run_id", runID, "error", err)
	}
}
