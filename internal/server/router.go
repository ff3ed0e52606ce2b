// Package server builds the control API router.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/logstream/common/middleware"
	"github.com/telhawk-systems/logstream/internal/handlers"
)

// NewRouter constructs a ServeMux with the control API routes registered.
func NewRouter(h *handlers.Handler, metricsPath string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Jobs
	mux.HandleFunc("POST /v1/queries", h.SubmitQuery)
	mux.HandleFunc("GET /v1/queries", h.ListQueries)
	mux.HandleFunc("GET /v1/queries/{id}", h.GetQuery)
	mux.HandleFunc("DELETE /v1/queries/{id}", h.CancelQuery)

	// Scheduler control
	mux.HandleFunc("POST /v1/pause", h.Pause)
	mux.HandleFunc("POST /v1/resume", h.Resume)
	mux.HandleFunc("POST /v1/flush", h.Flush)

	// Event channel
	mux.HandleFunc("PUT /v1/channel/filters", h.InstallFilter)
	mux.HandleFunc("DELETE /v1/channel/filters", h.ClearFilter)

	mux.HandleFunc("GET /v1/stats", h.Stats)

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Prometheus metrics
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.Handle("GET "+metricsPath, promhttp.Handler())

	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}
