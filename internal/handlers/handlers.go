// Package handlers exposes the service's control operations over HTTP.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/telhawk-systems/logstream/common/httputil"
	"github.com/telhawk-systems/logstream/internal/jobs"
	"github.com/telhawk-systems/logstream/internal/remote"
	"github.com/telhawk-systems/logstream/internal/service"
)

const maxBodyBytes = 1 << 20

// Service is the part of service.Service the handlers drive.
type Service interface {
	Submit(ctx context.Context, spec remote.QuerySpec) (*jobs.Handle, error)
	Cancel(ctx context.Context, queryID string) bool
	Status(ctx context.Context, queryID string) (*jobs.Job, error)
	Active() []string
	Recent(ctx context.Context, limit int) ([]jobs.Job, error)
	Pause()
	Resume()
	Flush()
	InstallFilter(ctx context.Context, spec remote.FilterSpec) ([]string, error)
	ClearFilter(ctx context.Context, flush bool) error
	Stats() service.Stats
	Ping(ctx context.Context) error
}

// Handler wires HTTP routes to the service.
type Handler struct {
	svc Service
}

// New creates a Handler instance.
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// QueryRequest is the body of POST /v1/queries.
type QueryRequest struct {
	Query     string `json:"query"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
	LogType   string `json:"logType,omitempty"`

	// MaxWaitTime is a Go duration string such as "5s".
	MaxWaitTime string `json:"maxWaitTime,omitempty"`
}

// QueryResponse describes a submitted job.
type QueryResponse struct {
	QueryID string `json:"queryId"`
	Status  string `json:"status"`
}

// FilterRequest is the body of PUT /v1/channel/filters.
type FilterRequest struct {
	Filters []string `json:"filters"`
	Flush   bool     `json:"flush,omitempty"`
}

// SubmitQuery handles POST /v1/queries.
func (h *Handler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		httputil.WriteError(w, http.StatusBadRequest, "query is required")
		return
	}
	spec := remote.QuerySpec{
		Query:     req.Query,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		LogType:   req.LogType,
	}
	if req.MaxWaitTime != "" {
		d, err := time.ParseDuration(req.MaxWaitTime)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid maxWaitTime: "+err.Error())
			return
		}
		spec.MaxWaitTime = d
	}

	handle, err := h.svc.Submit(r.Context(), spec)
	if err != nil {
		if handle != nil {
			httputil.WriteJSON(w, httputil.StatusFor(err), QueryResponse{QueryID: handle.ID(), Status: handle.Status().String()})
			return
		}
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, QueryResponse{QueryID: handle.ID(), Status: handle.Status().String()})
}

// ListQueries handles GET /v1/queries. With ?recent=N it lists finished
// jobs instead of active ones.
func (h *Handler) ListQueries(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "recent must be a non-negative integer")
			return
		}
		recent, err := h.svc.Recent(r.Context(), n)
		if err != nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": recent})
		return
	}
	active := h.svc.Active()
	if active == nil {
		active = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"active": active})
}

// GetQuery handles GET /v1/queries/{id}.
func (h *Handler) GetQuery(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

// CancelQuery handles DELETE /v1/queries/{id}.
func (h *Handler) CancelQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.svc.Cancel(r.Context(), id) {
		httputil.WriteError(w, http.StatusNotFound, "query "+id+" is not active")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pause handles POST /v1/pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.svc.Pause()
	w.WriteHeader(http.StatusNoContent)
}

// Resume handles POST /v1/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.svc.Resume()
	w.WriteHeader(http.StatusNoContent)
}

// Flush handles POST /v1/flush.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	h.svc.Flush()
	w.WriteHeader(http.StatusNoContent)
}

// InstallFilter handles PUT /v1/channel/filters.
func (h *Handler) InstallFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	installed, err := h.svc.InstallFilter(r.Context(), remote.FilterSpec{Filters: req.Filters, Flush: req.Flush})
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"filters": installed})
}

// ClearFilter handles DELETE /v1/channel/filters?flush=true.
func (h *Handler) ClearFilter(w http.ResponseWriter, r *http.Request) {
	flush, _ := strconv.ParseBool(r.URL.Query().Get("flush"))
	if err := h.svc.ClearFilter(r.Context(), flush); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Stats())
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /readyz.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func decodeJSON(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}
