package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Cascade/internal/domain"
)

// Ограничения вывода: в хранилище журнал и ошибки лежат полностью.
const (
	displayLogs   = 50
	displayErrors = 20
)

// Status DTOs

// ExecutionResponse — запуск шага для отображения.
type ExecutionResponse struct {
	RunID      uuid.UUID      `json:"runId"`
	TenantID   string         `json:"tenantId"`
	ScriptKey  string         `json:"scriptKey"`
	ScriptName string         `json:"scriptName"`
	Status     domain.Status  `json:"status"`
	Message    string         `json:"message"`
	ItemName   string         `json:"itemName,omitempty"`
	Progress   int            `json:"progress"`
	Current    int            `json:"current"`
	Total      int            `json:"total"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    *time.Time     `json:"endTime,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Successes  int            `json:"successes"`
	Errors     []domain.Entry `json:"errors"`
	ErrorCount int            `json:"errorCount"`
	Logs       []domain.Entry `json:"logs"`
	Stopped    bool           `json:"stopped,omitempty"`

	StopRequested bool `json:"stopRequested"`
}

// ExecutionFromDomain конвертирует domain.ExecutionStatus в ExecutionResponse.
func ExecutionFromDomain(e *domain.ExecutionStatus, now time.Time) *ExecutionResponse {
	if e == nil {
		return nil
	}
	errs := e.LastErrors(displayErrors)
	if errs == nil {
		errs = []domain.Entry{}
	}
	logs := e.LastLogs(displayLogs)
	if logs == nil {
		logs = []domain.Entry{}
	}
	return &ExecutionResponse{
		RunID:         e.RunID,
		TenantID:      e.TenantID,
		ScriptKey:     e.ScriptKey,
		ScriptName:    e.ScriptName,
		Status:        e.Status,
		Message:       e.Message,
		ItemName:      e.ItemName,
		Progress:      e.Progress,
		Current:       e.Current,
		Total:         e.Total,
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
		DurationMs:    e.Duration(now).Milliseconds(),
		Successes:     e.Successes,
		Errors:        errs,
		ErrorCount:    len(e.Errors),
		Logs:          logs,
		Stopped:       e.Stopped,
		StopRequested: e.StopRequested,
	}
}

// StatusResponse — снимок тенанта.
type StatusResponse struct {
	Found         bool                 `json:"found"`
	State         domain.Status        `json:"state"`
	Status        *ExecutionResponse   `json:"status"`
	ScriptsStatus domain.ScriptsStatus `json:"scriptsStatus"`
	Completed     int                  `json:"completed"`
	Total         int                  `json:"total"`
	Progress      int                  `json:"progress"`
}

// StatusFromSnapshot строит StatusResponse; keys — шаги реестра.
func StatusFromSnapshot(snap domain.Snapshot, keys []string, now time.Time) StatusResponse {
	return StatusResponse{
		Found:         snap.Found,
		State:         snap.State(),
		Status:        ExecutionFromDomain(snap.Status, now),
		ScriptsStatus: snap.Scripts,
		Completed:     snap.Scripts.CompletedCount(keys),
		Total:         len(keys),
		Progress:      snap.Scripts.Progress(keys),
	}
}

// RunScriptResponse — ответ на запуск шага.
type RunScriptResponse struct {
	Success bool               `json:"success"`
	Status  *ExecutionResponse `json:"status"`
}

// StopScriptResponse — ответ на запрос остановки.
// Stopped=false: активного шага не было, запрос ничего не изменил.
type StopScriptResponse struct {
	Success bool `json:"success"`
	Stopped bool `json:"stopped"`
}

// Progress DTOs

// ProgressRequest — отчёт воркера о прогрессе.
type ProgressRequest struct {
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	ItemName string `json:"itemName,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ToDomain конвертирует запрос в domain.Progress.
func (r ProgressRequest) ToDomain() domain.Progress {
	return domain.Progress{
		Current:  r.Current,
		Total:    r.Total,
		ItemName: r.ItemName,
		Message:  r.Message,
	}
}

// ProgressResponse — ответ воркеру. StopRequested=true: пора завершаться.
type ProgressResponse struct {
	Accepted      bool `json:"accepted"`
	StopRequested bool `json:"stopRequested"`
}

// Tenant DTOs

// CreateTenantRequest — запрос на создание тенанта.
type CreateTenantRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TenantResponse — созданный тенант и его чекпоинт.
type TenantResponse struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	ScriptsStatus domain.ScriptsStatus `json:"scriptsStatus"`
}

// StepResponse — шаг реестра.
type StepResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ScriptKey  string `json:"scriptKey"`
	Order      int    `json:"order"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
}

// StepFromDomain конвертирует domain.CascadeStep в StepResponse.
func StepFromDomain(s domain.CascadeStep) StepResponse {
	return StepResponse{
		ID:         s.ID,
		Name:       s.Name,
		ScriptKey:  s.ScriptKey,
		Order:      s.Order,
		TimeoutSec: s.TimeoutSec,
	}
}
