package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		RequestID(h.logger),
		Recovery(h.logger),
		Tracing(),
		Metrics(),
		Logging(h.logger),
	)

	// Steps
	mux.Handle("GET /api/v1/steps", chain(http.HandlerFunc(h.ListSteps)))

	// Tenants
	mux.Handle("POST /api/v1/tenants", chain(http.HandlerFunc(h.CreateTenant)))
	mux.Handle("POST /api/v1/tenants/{id}/reset", chain(http.HandlerFunc(h.ResetTenant)))
	mux.Handle("GET /api/v1/tenants/{id}/status", chain(http.HandlerFunc(h.GetStatus)))
	mux.Handle("GET /api/v1/tenants/{id}/runs", chain(http.HandlerFunc(h.ListRuns)))

	// Step execution
	mux.Handle("POST /api/v1/tenants/{id}/scripts/{key}/run", chain(http.HandlerFunc(h.RunScript)))
	mux.Handle("POST /api/v1/tenants/{id}/scripts/{key}/stop", chain(http.HandlerFunc(h.StopScript)))
	mux.Handle("POST /api/v1/tenants/{id}/progress", chain(http.HandlerFunc(h.ReportTenantProgress)))

	// Runs
	mux.Handle("GET /api/v1/runs/{runId}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{runId}/progress", chain(http.HandlerFunc(h.ReportProgress)))

	// Cascade
	mux.Handle("POST /api/v1/tenants/{id}/cascade", chain(http.HandlerFunc(h.StartCascade)))
	mux.Handle("GET /api/v1/tenants/{id}/cascade", chain(http.HandlerFunc(h.GetCascade)))
	mux.Handle("DELETE /api/v1/tenants/{id}/cascade", chain(http.HandlerFunc(h.CancelCascade)))
}
