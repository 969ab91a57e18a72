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

// Package history provides a SQLite archive of completed runs. The
// archive backs run listing across restarts and feeds the analyzer's
// cache suggestions with prior successful invocations.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autoflowhq/autoflow/pkg/workflow"
)

// Compile-time interface assertion.
var _ workflow.RunHistory = (*Archive)(nil)

// Archive is a SQLite-backed store of completed runs.
type Archive struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// ArchivedRun is a summarized completed run as stored in the archive.
type ArchivedRun struct {
	ID          string    `json:"run_id"`
	WorkflowID  string    `json:"workflow_id"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StepCount   int       `json:"step_count"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// New opens the archive database, creating it if necessary.
func New(cfg Config) (*Archive, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &Archive{db: db}

	if err := a.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := a.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return a, nil
}

// configurePragmas sets SQLite configuration options.
func (a *Archive) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := a.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (a *Archive) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			step_count INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			completed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			service TEXT NOT NULL,
			action TEXT NOT NULL,
			params_hash TEXT NOT NULL,
			state TEXT NOT NULL,
			attempts INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_lookup ON invocations(service, action, params_hash, state)`,
	}

	for _, migration := range migrations {
		if _, err := a.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// ArchiveRun stores a terminal run snapshot together with the
// per-step invocations from its definition.
func (a *Archive) ArchiveRun(ctx context.Context, def *workflow.Definition, snap *workflow.RunSnapshot) error {
	if snap == nil || !snap.Status.Terminal() {
		return fmt.Errorf("run %s is not terminal", snapID(snap))
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	completedAt := time.Now()
	if snap.EndedAt != nil {
		completedAt = *snap.EndedAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, workflow_id, status, error, step_count, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		snap.ID, snap.WorkflowID, string(snap.Status), nullString(snap.Error),
		len(snap.Steps), snap.CreatedAt.UTC().Format(time.RFC3339),
		completedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to archive run: %w", err)
	}

	for stepID, result := range snap.Steps {
		step, ok := def.Step(stepID)
		if !ok {
			continue
		}

		hash, err := hashParams(step.Parameters)
		if err != nil {
			return fmt.Errorf("failed to hash parameters for step %s: %w", stepID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO invocations (run_id, step_id, service, action, params_hash, state, attempts, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			snap.ID, stepID, step.Service, step.Action, hash,
			string(result.State), result.Attempts, result.Duration.Milliseconds(),
			completedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to archive invocation for step %s: %w", stepID, err)
		}
	}

	return tx.Commit()
}

// HasSuccessfulInvocation reports whether an identical invocation has
// succeeded in an archived run.
func (a *Archive) HasSuccessfulInvocation(ctx context.Context, service, action string, params map[string]any) (bool, error) {
	hash, err := hashParams(params)
	if err != nil {
		return false, fmt.Errorf("failed to hash parameters: %w", err)
	}

	var count int
	err = a.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM invocations
		WHERE service = ? AND action = ? AND params_hash = ? AND state = ?
	`, service, action, hash, string(workflow.StepStateSucceeded)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query invocations: %w", err)
	}

	return count > 0, nil
}

// ListRuns returns archived runs, newest first, up to limit. A zero
// limit returns up to 100 runs.
func (a *Archive) ListRuns(ctx context.Context, limit int) ([]ArchivedRun, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, workflow_id, status, error, step_count, created_at, completed_at
		FROM runs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []ArchivedRun
	for rows.Next() {
		var (
			run                    ArchivedRun
			errText                sql.NullString
			createdAt, completedAt string
		)
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.Status, &errText, &run.StepCount, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Error = errText.String
		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		run.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// hashParams produces a canonical digest of step parameters.
// encoding/json sorts map keys, so equal maps hash equally.
func hashParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func snapID(snap *workflow.RunSnapshot) string {
	if snap == nil {
		return ""
	}
	return snap.ID
}
