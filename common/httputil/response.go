// Package httputil writes JSON responses for the control API.
package httputil

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/telhawk-systems/logstream/internal/jobs"
	"github.com/telhawk-systems/logstream/internal/models"
)

// WriteJSON writes a JSON response with the given status code and data.
// It properly checks for encoding errors and logs them.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// StatusFor maps an error to the HTTP status the control API reports.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrJobFailed):
		return http.StatusUnprocessableEntity
	case models.IsProtocol(err):
		return http.StatusBadGateway
	case models.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteErr writes err with the status StatusFor picks.
func WriteErr(w http.ResponseWriter, err error) {
	WriteError(w, StatusFor(err), err.Error())
}
