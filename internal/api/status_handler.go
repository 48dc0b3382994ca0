package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/shaiso/Cascade/internal/execution"
)

// GetStatus возвращает снимок тенанта.
// GET /api/v1/tenants/{id}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")

	snap, err := h.controller.Status(r.Context(), tenantID)
	if h.handleError(w, r, err) {
		return
	}

	Success(w, StatusFromSnapshot(snap, h.controller.Steps().Keys(), time.Now()))
}

// RunScript запускает шаг для тенанта.
// POST /api/v1/tenants/{id}/scripts/{key}/run
//
// Отвечает сразу после записи starting, не дожидаясь выполнения.
func (h *Handler) RunScript(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	scriptKey := r.PathValue("key")

	status, err := h.controller.Start(r.Context(), tenantID, scriptKey)
	if errors.Is(err, execution.ErrWorkerFailure) && status != nil {
		// Запуск уже записан как error: отдаём его вместе с ошибкой
		JSON(w, http.StatusBadGateway, DataResponse{Data: RunScriptResponse{
			Success: false,
			Status:  ExecutionFromDomain(status, time.Now()),
		}})
		return
	}
	if h.handleError(w, r, err) {
		return
	}

	Accepted(w, RunScriptResponse{Success: true, Status: ExecutionFromDomain(status, time.Now())})
}

// StopScript запрашивает кооперативную остановку шага.
// POST /api/v1/tenants/{id}/scripts/{key}/stop
func (h *Handler) StopScript(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	scriptKey := r.PathValue("key")

	stopped, err := h.controller.RequestStop(r.Context(), tenantID, scriptKey)
	if h.handleError(w, r, err) {
		return
	}

	Success(w, StopScriptResponse{Success: true, Stopped: stopped})
}
