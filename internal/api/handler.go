// Package api provides the HTTP admin API over the job store and the dispatcher.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/health"
	"replaytasker/internal/job"
	"replaytasker/internal/notify"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// NotifyStats reports webhook delivery statistics.
type NotifyStats interface {
	Stats() notify.Stats
}

// Handler contains HTTP handlers for the admin API
type Handler struct {
	svc     *job.Service
	workers job.Workers
	health  *health.Checker
	notify  NotifyStats
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, workers job.Workers, healthChecker *health.Checker, n NotifyStats) *Handler {
	return &Handler{
		svc:     svc,
		workers: workers,
		health:  healthChecker,
		notify:  n,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// ListJobs handles GET /v1/jobs?view=failed&limit=10
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	resp, err := h.svc.List(r.Context(), r.URL.Query().Get("view"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	detail, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// RequeueJob handles POST /v1/jobs/{jobId}/requeue
func (h *Handler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Requeue(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PrioritizeJob handles POST /v1/jobs/{jobId}/priority. An empty body sets the flag.
func (h *Handler) PrioritizeJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	requested := true
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req job.PriorityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
		if req.PlayerRequested != nil {
			requested = *req.PlayerRequested
		}
	}

	if err := h.svc.Prioritize(r.Context(), jobID, requested); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Workers handles GET /v1/workers
func (h *Handler) Workers(w http.ResponseWriter, r *http.Request) {
	if h.workers == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not running")
		return
	}
	writeJSON(w, http.StatusOK, h.workers.Snapshot())
}

// NotifyStats handles GET /v1/notify
func (h *Handler) NotifyStats(w http.ResponseWriter, r *http.Request) {
	if h.notify == nil {
		writeError(w, http.StatusNotFound, "webhook notifications are disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.notify.Stats())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when a critical dependency (the job store) is unavailable.
// A degraded platform still reports 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "Job ID is required")
		return "", false
	}
	return jobID, true
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := apperrors.Classify(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}
