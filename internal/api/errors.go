// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/executor"
	"github.com/tapgrid/tapgrid/internal/orchestrator"
	"github.com/tapgrid/tapgrid/internal/schedule"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, schedule.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, device.ErrDeviceUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, executor.ErrPrecondition):
		code = http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "X-User header required"})
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}
