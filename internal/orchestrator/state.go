package orchestrator

import (
	"time"

	"github.com/shaiso/Cascade/internal/domain"
)

// CascadeState — состояние прогона секвенсора.
type CascadeState string

const (
	CascadeRunning   CascadeState = "running"
	CascadeCompleted CascadeState = "completed"
	CascadeFailed    CascadeState = "failed"
	CascadeCancelled CascadeState = "cancelled"
)

// IsFinal — прогон закончился (успешно или нет).
func (s CascadeState) IsFinal() bool {
	return s != CascadeRunning
}

// Report — сводка прогона каскада для одного тенанта.
type Report struct {
	TenantID string       `json:"tenantId"`
	State    CascadeState `json:"state"`

	// Completed/Total — шаги с флагом true из шагов реестра.
	Completed int `json:"completed"`
	Total     int `json:"total"`

	// Progress — round(Completed/Total*100), 100 для пустого реестра.
	Progress int `json:"progress"`

	// CurrentStep — шаг, завершения которого ждёт секвенсор.
	CurrentStep string `json:"currentStep,omitempty"`

	// FailedStep и Message заполняются при остановке на ошибке.
	FailedStep string `json:"failedStep,omitempty"`
	Message    string `json:"message,omitempty"`

	// Started — шаги, запущенные этим прогоном (без присоединённых).
	Started []string `json:"started,omitempty"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Finished — все шаги завершены.
func (r Report) Finished() bool {
	return r.State == CascadeCompleted
}

// observe пересчитывает агрегированный прогресс по флагам.
func (r *Report) observe(keys []string, scripts domain.ScriptsStatus) {
	r.Total = len(keys)
	r.Completed = scripts.CompletedCount(keys)
	r.Progress = scripts.Progress(keys)
}

func (r *Report) finish(state CascadeState, now time.Time) {
	r.State = state
	r.CurrentStep = ""
	r.EndedAt = &now
}

func (r Report) clone() Report {
	r.Started = append([]string(nil), r.Started...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		r.EndedAt = &t
	}
	return r
}
