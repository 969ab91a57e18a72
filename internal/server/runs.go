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

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/autoflowhq/autoflow/pkg/workflow"
)

// CreateRunRequest is the request body for executing a workflow. When
// Plan is omitted the workflow is analyzed with Strategy first.
type CreateRunRequest struct {
	Workflow          *workflow.Definition `json:"workflow"`
	Plan              *workflow.Plan       `json:"plan,omitempty"`
	Strategy          string               `json:"strategy,omitempty"`
	UserID            string               `json:"user_id,omitempty"`
	EnhancedExecution bool                 `json:"enhanced_execution,omitempty"`
}

// CreateRunResponse acknowledges an accepted run.
type CreateRunResponse struct {
	ExecutionID string                `json:"execution_id"`
	Run         *workflow.RunSnapshot `json:"run"`
}

// handleCreateRun handles POST /v1/runs.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	// Refuse new runs during graceful shutdown.
	if s.engine.IsDraining() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "internal", "daemon is shutting down gracefully")
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Workflow == nil {
		writeError(w, http.StatusBadRequest, "validation", "workflow is required")
		return
	}
	if err := req.Workflow.Validate(); err != nil {
		writeErrorFrom(w, err)
		return
	}

	plan := req.Plan
	if plan == nil {
		strategy, ok := workflow.ParseStrategy(req.Strategy)
		if !ok {
			writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("unknown strategy %q", req.Strategy))
			return
		}

		analyzer := workflow.NewAnalyzer(s.registry.Catalog())
		if s.archive != nil {
			analyzer = analyzer.WithHistory(s.archive)
		}

		var err error
		plan, _, err = analyzer.Analyze(r.Context(), req.Workflow, strategy)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
	}

	mode := workflow.EngineModeBaseline
	if req.EnhancedExecution {
		mode = workflow.EngineModeEnhanced
	}

	snapshot, err := s.engine.ExecuteWithMode(req.Workflow, plan, mode)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	if s.recorder != nil {
		s.recorder.Track(snapshot.ID, req.Workflow)
	}

	writeJSON(w, http.StatusAccepted, CreateRunResponse{
		ExecutionID: snapshot.ID,
		Run:         snapshot,
	})
}

// handleListRuns handles GET /v1/runs. With ?source=history it lists
// archived runs from the SQLite archive instead of live runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 0
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if query.Get("source") == "history" {
		if s.archive == nil {
			writeError(w, http.StatusBadRequest, "validation", "run history archive is not configured")
			return
		}
		runs, err := s.archive.ListRuns(r.Context(), limit)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "source": "history"})
		return
	}

	snapshots := s.engine.List(workflow.ListFilter{
		Status:     workflow.RunStatus(query.Get("status")),
		WorkflowID: query.Get("workflow_id"),
		Limit:      limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"runs": snapshots})
}

// handleGetRun handles GET /v1/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.engine.Get(r.PathValue("id"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleCancelRun handles DELETE /v1/runs/{id}. Cancellation is
// cooperative: in-flight steps finish naturally, pending steps are not
// dispatched.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(id); err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": id,
		"status": "cancelling",
	})
}
