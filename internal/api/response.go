package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/orchestrator"
	"github.com/shaiso/Cascade/internal/telemetry"
)

// ErrorCode — машинный код ошибки в ответе API. CLI сверяет по нему
// ошибки, не разбирая текст.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCodeWorkerFailure ErrorCode = "WORKER_FAILURE"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — конверт {"error": {...}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — код и сообщение ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — конверт {"data": ...}.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — конверт списка с общим числом элементов.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON пишет тело ответа с кодом status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Success — 200 с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created — 201 с созданным ресурсом.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// Accepted — 202: шаг или каскад принят и идёт асинхронно.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// List — 200 со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error пишет конверт ошибки.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// BadRequest — 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound — 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// Unavailable — 503: хранилище статусов или оркестратор недоступны,
// клиент может повторить запрос.
func Unavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// errorMapping сопоставляет ошибку домена с HTTP ответом.
// message пустой — в ответ уходит текст самой ошибки.
type errorMapping struct {
	targets []error
	status  int
	code    ErrorCode
	message string
}

// Порядок важен: первая совпавшая запись выигрывает.
var errorMappings = []errorMapping{
	{
		targets: []error{execution.ErrNotFound, orchestrator.ErrCascadeNotFound},
		status:  http.StatusNotFound,
		code:    ErrCodeNotFound,
	},
	{
		targets: []error{execution.ErrConflict, orchestrator.ErrCascadeActive},
		status:  http.StatusConflict,
		code:    ErrCodeConflict,
	},
	{
		targets: []error{execution.ErrTerminal},
		status:  http.StatusUnprocessableEntity,
		code:    ErrCodeInvalidState,
	},
	{
		targets: []error{execution.ErrStoreUnavailable},
		status:  http.StatusServiceUnavailable,
		code:    ErrCodeUnavailable,
		message: "status store unavailable, retry later",
	},
	{
		targets: []error{orchestrator.ErrOrchestratorStopped},
		status:  http.StatusServiceUnavailable,
		code:    ErrCodeUnavailable,
	},
	{
		targets: []error{execution.ErrWorkerFailure},
		status:  http.StatusBadGateway,
		code:    ErrCodeWorkerFailure,
	},
	{
		targets: []error{execution.ErrTimeout},
		status:  http.StatusGatewayTimeout,
		code:    ErrCodeTimeout,
	},
}

func (m errorMapping) matches(err error) bool {
	for _, target := range m.targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// handleError пишет ответ для ошибки контроллера или оркестратора.
// Возвращает false, если err == nil.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}
	writeError(w, telemetry.FromContext(r.Context(), h.logger), err)
	return true
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	for _, m := range errorMappings {
		if !m.matches(err) {
			continue
		}
		message := m.message
		if message == "" {
			message = err.Error()
		}
		if m.status >= http.StatusInternalServerError {
			logger.Warn("request failed", "status", m.status, "error", err)
		}
		Error(w, m.status, m.code, message)
		return
	}

	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}
