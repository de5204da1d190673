// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/debugd/internal/log"
	"github.com/ManuGH/debugd/internal/runner"
	"github.com/ManuGH/debugd/internal/store"
	"github.com/ManuGH/debugd/internal/workspace"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error payload.
type errorBody struct {
	Error string `json:"error"`
}

// respondError maps domain sentinels onto HTTP status codes. Unknown errors
// become 500 with a generic body so internals never leak to clients.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var patchErr *runner.PatchError

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrLeaseMismatch),
		errors.Is(err, workspace.ErrCapacityExhausted),
		errors.Is(err, runner.ErrQueueFull):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.As(err, &patchErr),
		errors.Is(err, runner.ErrInvalidSpec):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	default:
		logger := log.FromContext(r.Context())
		logger.Error().
			Str("event", "api.internal_error").
			Str("path", r.URL.Path).
			Err(err).
			Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// writeValidation writes a 422 with the given detail.
func writeValidation(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: detail})
}

// writeUnauthorized writes a 401 Unauthorized response.
func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
}

// writeForbidden writes a 403 Forbidden response.
func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
