package api

import (
	"net/http"
)

// StartCascade запускает секвенсор каскада для тенанта.
// POST /api/v1/tenants/{id}/cascade
func (h *Handler) StartCascade(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator == nil {
		Unavailable(w, "cascade sequencing is disabled")
		return
	}

	report, err := h.orchestrator.StartCascade(r.Context(), r.PathValue("id"))
	if h.handleError(w, r, err) {
		return
	}

	Accepted(w, report)
}

// GetCascade возвращает последний отчёт секвенсора.
// GET /api/v1/tenants/{id}/cascade
func (h *Handler) GetCascade(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator == nil {
		Unavailable(w, "cascade sequencing is disabled")
		return
	}

	report, err := h.orchestrator.CascadeState(r.PathValue("id"))
	if h.handleError(w, r, err) {
		return
	}

	Success(w, report)
}

// CancelCascade прекращает ожидание секвенсора. Активный шаг не
// останавливается: для этого есть /scripts/{key}/stop.
// DELETE /api/v1/tenants/{id}/cascade
func (h *Handler) CancelCascade(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator == nil {
		Unavailable(w, "cascade sequencing is disabled")
		return
	}

	if !h.orchestrator.CancelCascade(r.PathValue("id")) {
		NotFound(w, "no running cascade for tenant")
		return
	}

	Success(w, map[string]bool{"cancelled": true})
}
