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
	"log/slog"
	"net/http"

	autoflowerrors "github.com/autoflowhq/autoflow/pkg/errors"
)

// errorBody is the structured error payload returned to callers.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// writeJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// writeError writes a structured error payload with an explicit kind.
func writeError(w http.ResponseWriter, status int, kind, reason string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Reason: reason}})
}

// writeErrorFrom maps a domain error onto an HTTP status and structured
// payload using the error taxonomy.
func writeErrorFrom(w http.ResponseWriter, err error) {
	kind := autoflowerrors.Kind(err)

	status := http.StatusInternalServerError
	switch kind {
	case "parse", "infeasible":
		status = http.StatusUnprocessableEntity
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "adapter":
		status = http.StatusBadGateway
	case "timeout":
		status = http.StatusGatewayTimeout
	}

	writeError(w, status, kind, err.Error())
}
