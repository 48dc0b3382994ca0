package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Cascade/internal/domain"
)

// ListSteps возвращает реестр шагов в порядке выполнения.
// GET /api/v1/steps
func (h *Handler) ListSteps(w http.ResponseWriter, r *http.Request) {
	list := h.controller.Steps().Steps()

	result := make([]StepResponse, len(list))
	for i, s := range list {
		result[i] = StepFromDomain(s)
	}

	List(w, result, len(result))
}

// CreateTenant создаёт тенанта со всеми флагами шагов false.
// POST /api/v1/tenants
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		BadRequest(w, "id is required")
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	if h.handleError(w, r, h.controller.CreateTenant(r.Context(), req.ID, req.Name)) {
		return
	}

	Created(w, TenantResponse{
		ID:            req.ID,
		Name:          req.Name,
		ScriptsStatus: domain.NewScriptsStatus(h.controller.Steps().Keys()),
	})
}

// ResetTenant сбрасывает чекпоинт каскада тенанта.
// POST /api/v1/tenants/{id}/reset
//
// Пока шаг активен — 409.
func (h *Handler) ResetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")

	if h.handleError(w, r, h.controller.Reset(r.Context(), tenantID)) {
		return
	}

	snap, err := h.controller.Status(r.Context(), tenantID)
	if h.handleError(w, r, err) {
		return
	}

	Success(w, StatusFromSnapshot(snap, h.controller.Steps().Keys(), time.Now()))
}
