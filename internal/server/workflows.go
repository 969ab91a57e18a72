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

	"github.com/autoflowhq/autoflow/pkg/workflow"
)

// GenerateRequest is the request body for generating a workflow from a
// natural-language instruction.
type GenerateRequest struct {
	Instruction          string `json:"instruction"`
	UserID               string `json:"user_id"`
	EnhancedIntelligence bool   `json:"enhanced_intelligence,omitempty"`
}

// GenerateResponse wraps a generated workflow definition.
type GenerateResponse struct {
	Workflow *workflow.Definition `json:"workflow"`
}

// handleGenerate handles POST /v1/workflows/generate.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "validation", "instruction is required")
		return
	}

	mode := workflow.GeneratorModeBaseline
	if req.EnhancedIntelligence {
		mode = workflow.GeneratorModeEnhanced
	}

	// The generator reads the registry's current catalog so hot reloads
	// take effect without restart.
	generator := workflow.NewGenerator(s.registry.Catalog(), mode)
	def, err := generator.Generate(req.Instruction, req.UserID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordGeneration(r.Context(), string(mode), "error")
		}
		writeErrorFrom(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordGeneration(r.Context(), string(mode), "ok")
	}
	writeJSON(w, http.StatusOK, GenerateResponse{Workflow: def})
}

// AnalyzeRequest is the request body for producing an execution plan.
type AnalyzeRequest struct {
	Workflow *workflow.Definition `json:"workflow"`
	Strategy string               `json:"strategy,omitempty"`
	UserID   string               `json:"user_id,omitempty"`
}

// AnalyzeResponse carries the plan and advisory suggestions.
type AnalyzeResponse struct {
	Plan        *workflow.Plan        `json:"plan"`
	Suggestions []workflow.Suggestion `json:"optimization_suggestions"`
}

// handleAnalyze handles POST /v1/workflows/analyze.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Workflow == nil {
		writeError(w, http.StatusBadRequest, "validation", "workflow is required")
		return
	}

	strategy, ok := workflow.ParseStrategy(req.Strategy)
	if !ok {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("unknown strategy %q", req.Strategy))
		return
	}

	analyzer := workflow.NewAnalyzer(s.registry.Catalog())
	if s.archive != nil {
		analyzer = analyzer.WithHistory(s.archive)
	}

	plan, suggestions, err := analyzer.Analyze(r.Context(), req.Workflow, strategy)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordPlan(r.Context(), string(strategy), "error")
		}
		writeErrorFrom(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordPlan(r.Context(), string(strategy), "ok")
	}
	if suggestions == nil {
		suggestions = []workflow.Suggestion{}
	}
	writeJSON(w, http.StatusOK, AnalyzeResponse{Plan: plan, Suggestions: suggestions})
}

// handleCapabilities handles GET /v1/capabilities.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	catalog := s.registry.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": catalog.Capabilities(),
		"services":     catalog.Services(),
	})
}
