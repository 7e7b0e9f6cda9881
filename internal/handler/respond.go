// internal/handler/respond.go
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encoding response failed", "error", err)
	}
}

// WriteError maps err onto a status code and a JSON error body.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case appErrors.IsConfigError(err):
		status = http.StatusInternalServerError
	case errors.Is(err, appErrors.ErrNotFound):
		status = http.StatusNotFound
	case appErrors.IsInvalidTransition(err):
		status = http.StatusConflict
	}
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}
