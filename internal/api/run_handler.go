package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/execution"
)

// ListRuns возвращает историю запусков тенанта.
// GET /api/v1/tenants/{id}/runs?limit=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := h.controller.Runs(r.Context(), tenantID, limit)
	if h.handleError(w, r, err) {
		return
	}

	now := time.Now()
	result := make([]*ExecutionResponse, len(runs))
	for i, run := range runs {
		result[i] = ExecutionFromDomain(run, now)
	}

	List(w, result, len(result))
}

// GetRun возвращает запуск по ID.
// GET /api/v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("runId"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.controller.Run(r.Context(), runID)
	if h.handleError(w, r, err) {
		return
	}

	Success(w, ExecutionFromDomain(run, time.Now()))
}

// ReportProgress — обратный вызов воркера с прогрессом запуска.
// POST /api/v1/runs/{runId}/progress
func (h *Handler) ReportProgress(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("runId"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	p, ok := decodeProgress(w, r)
	if !ok {
		return
	}

	h.progressResult(w, r, h.controller.ReportProgress(r.Context(), runID, p))
}

// ReportTenantProgress — обратный вызов для воркеров, знающих только тенанта.
// POST /api/v1/tenants/{id}/progress
func (h *Handler) ReportTenantProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := decodeProgress(w, r)
	if !ok {
		return
	}

	h.progressResult(w, r, h.controller.ReportTenantProgress(r.Context(), r.PathValue("id"), p))
}

func (h *Handler) progressResult(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, execution.ErrStopRequested) {
		// Прогресс записан, воркер должен завершиться
		Success(w, ProgressResponse{Accepted: true, StopRequested: true})
		return
	}
	if h.handleError(w, r, err) {
		return
	}
	Success(w, ProgressResponse{Accepted: true})
}

func decodeProgress(w http.ResponseWriter, r *http.Request) (domain.Progress, bool) {
	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return domain.Progress{}, false
	}
	if req.Total < 0 || req.Current < 0 {
		BadRequest(w, "current and total must be non-negative")
		return domain.Progress{}, false
	}
	return req.ToDomain(), true
}
