package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Entry — запись журнала или ошибки с временной меткой.
type Entry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Progress — отчёт воркера о прогрессе.
type Progress struct {
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	ItemName string `json:"itemName,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Result — итог успешного выполнения шага.
type Result struct {
	Successes int     `json:"successes"`
	Errors    []Entry `json:"errors,omitempty"`
}

// ExecutionStatus — состояние одного запуска шага для тенанта.
//
// Создаётся при выходе шага из idle, изменяется только контроллером,
// который владеет запуском, и вытесняется (не удаляется) при старте
// следующего шага.
//
// Инварианты:
//   - Progress == round(Current/Total*100) при Total > 0, иначе 0
//   - EndTime задан тогда и только тогда, когда статус финальный
//   - Errors только дополняется
type ExecutionStatus struct {
	// RunID — идентификатор запуска.
	RunID uuid.UUID `json:"runId"`

	TenantID   string `json:"tenantId"`
	ScriptKey  string `json:"scriptKey"`
	ScriptName string `json:"scriptName"`

	Status   Status `json:"status"`
	Message  string `json:"message"`
	ItemName string `json:"itemName,omitempty"`

	Progress int `json:"progress"`
	Current  int `json:"current"`
	Total    int `json:"total"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	Successes int     `json:"successes"`
	Errors    []Entry `json:"errors"`
	Logs      []Entry `json:"logs,omitempty"`

	// StopRequested — флаг кооперативной остановки (durable stop signal).
	StopRequested bool `json:"stopRequested"`

	// Stopped — запуск завершён по запросу оператора.
	Stopped bool `json:"stopped,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewExecutionStatus создаёт статус starting для шага.
func NewExecutionStatus(tenantID string, step CascadeStep, now time.Time) *ExecutionStatus {
	return &ExecutionStatus{
		RunID:      uuid.New(),
		TenantID:   tenantID,
		ScriptKey:  step.ScriptKey,
		ScriptName: step.Name,
		Status:     StatusStarting,
		Message:    "starting " + step.Name,
		StartTime:  now,
		Errors:     []Entry{},
		Logs:       []Entry{{Message: "starting " + step.Name, Timestamp: now}},
		UpdatedAt:  now,
	}
}

// ComputeProgress возвращает round(current/total*100) или 0 при total == 0.
func ComputeProgress(current, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(current) / float64(total) * 100))
}

// IsTerminal возвращает true, если запуск завершён.
func (e *ExecutionStatus) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// IsActive возвращает true, если запуск в starting/running.
func (e *ExecutionStatus) IsActive() bool {
	return e.Status.IsActive()
}

// MarkRunning переводит starting → running.
func (e *ExecutionStatus) MarkRunning(now time.Time) {
	e.Status = StatusRunning
	e.UpdatedAt = now
	e.AppendLog("running "+e.ScriptName, now)
}

// ApplyProgress применяет отчёт о прогрессе.
//
// Счётчики перезаписываются, поэтому повтор одинакового отчёта
// ничего не накапливает. Возвращает true, если что-то изменилось.
func (e *ExecutionStatus) ApplyProgress(p Progress, now time.Time) bool {
	total := max(p.Total, 0)
	current := min(max(p.Current, 0), total)

	changed := e.Current != current || e.Total != total
	e.Current = current
	e.Total = total
	e.Progress = ComputeProgress(current, total)

	if p.ItemName != "" && p.ItemName != e.ItemName {
		e.ItemName = p.ItemName
		changed = true
	}
	if p.Message != "" && p.Message != e.Message {
		e.Message = p.Message
		changed = true
	}
	if p.Message != "" && e.AppendLog(p.Message, now) {
		changed = true
	}

	if e.Status == StatusStarting {
		e.Status = StatusRunning
		changed = true
	}
	if changed {
		e.UpdatedAt = now
	}
	return changed
}

// AppendLog добавляет строку журнала, если она отличается от последней.
func (e *ExecutionStatus) AppendLog(msg string, now time.Time) bool {
	if n := len(e.Logs); n > 0 && e.Logs[n-1].Message == msg {
		return false
	}
	e.Logs = append(e.Logs, Entry{Message: msg, Timestamp: now})
	return true
}

// AppendErrors дополняет список ошибок.
func (e *ExecutionStatus) AppendErrors(errs ...Entry) {
	if e.Errors == nil {
		e.Errors = []Entry{}
	}
	e.Errors = append(e.Errors, errs...)
}

// MarkCompleted переводит запуск в completed.
func (e *ExecutionStatus) MarkCompleted(res Result, now time.Time) {
	e.Status = StatusCompleted
	e.Successes = res.Successes
	e.AppendErrors(res.Errors...)
	e.Message = e.ScriptName + " completed"
	if e.Total > 0 {
		e.Current = e.Total
		e.Progress = 100
	}
	e.finish(now)
}

// MarkFailed переводит запуск в error с сообщением.
func (e *ExecutionStatus) MarkFailed(msg string, errs []Entry, now time.Time) {
	e.Status = StatusError
	e.Message = msg
	e.AppendErrors(errs...)
	e.AppendErrors(Entry{Message: msg, Timestamp: now})
	e.finish(now)
}

// MarkStopped завершает запуск по запросу оператора.
// Остановка записывается как error с признаком Stopped.
func (e *ExecutionStatus) MarkStopped(errs []Entry, now time.Time) {
	e.MarkFailed("stopped by operator request", errs, now)
	e.Stopped = true
}

func (e *ExecutionStatus) finish(now time.Time) {
	e.EndTime = &now
	e.UpdatedAt = now
	e.AppendLog(e.Message, now)
}

// Duration возвращает длительность запуска (до now, если он ещё идёт).
func (e *ExecutionStatus) Duration(now time.Time) time.Duration {
	if e.EndTime != nil {
		return e.EndTime.Sub(e.StartTime)
	}
	return now.Sub(e.StartTime)
}

// LastLogs возвращает последние n строк журнала (для отображения).
func (e *ExecutionStatus) LastLogs(n int) []Entry {
	return tail(e.Logs, n)
}

// LastErrors возвращает последние n ошибок (для отображения).
func (e *ExecutionStatus) LastErrors(n int) []Entry {
	return tail(e.Errors, n)
}

// Clone возвращает глубокую копию статуса.
func (e *ExecutionStatus) Clone() *ExecutionStatus {
	if e == nil {
		return nil
	}
	c := *e
	if e.EndTime != nil {
		end := *e.EndTime
		c.EndTime = &end
	}
	c.Errors = append([]Entry{}, e.Errors...)
	c.Logs = append([]Entry(nil), e.Logs...)
	return &c
}

func tail(entries []Entry, n int) []Entry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}
