package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/kalambet/annotd/internal/apperr"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// errorStatus maps the apperr taxonomy onto an HTTP status and error type.
func errorStatus(err error) (int, string) {
	var ve *apperr.ValidationError
	var ce *apperr.ConnectionError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.As(err, &ce):
		return http.StatusBadGateway, "connection_error"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict, "conflict_error"
	}
	return http.StatusInternalServerError, "api_error"
}

// writeError renders err in the error envelope. Internal errors are logged
// and their message is kept generic.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, errType := errorStatus(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpError(w, code, errType, "internal error")
		return
	}
	httpError(w, code, errType, "%v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body of at most limit bytes into v.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// failureMessages flattens a PartialError's failures for a response body.
func failureMessages(pe *apperr.PartialError) map[string]string {
	out := make(map[string]string, len(pe.Failed))
	for id, err := range pe.Failed {
		out[id] = err.Error()
	}
	return out
}

// firstFailure returns the failure of the lowest annotator id so a fully
// failed call maps to a stable status.
func firstFailure(pe *apperr.PartialError) error {
	ids := make([]string, 0, len(pe.Failed))
	for id := range pe.Failed {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return pe
	}
	sort.Strings(ids)
	return pe.Failed[ids[0]]
}

// parseIntParam parses a query parameter as a non-negative integer,
// returning defaultVal if missing or invalid. If maxVal > 0, the result
// is capped at maxVal.
func parseIntParam(r *http.Request, name string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
