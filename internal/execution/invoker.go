package execution

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/Cascade/internal/domain"
)

// Job — задание исполнителю на выполнение одного шага.
type Job struct {
	RunID    uuid.UUID          `json:"runId"`
	TenantID string             `json:"tenantId"`
	Step     domain.CascadeStep `json:"step"`
}

// Invoker — внешний исполнитель шагов.
//
// Dispatch не блокируется до завершения шага: исполнитель сообщает
// о прогрессе и результате через Reporter.
type Invoker interface {
	Dispatch(ctx context.Context, job Job) error
}

// Reporter — обратный канал исполнителя в контроллер.
// Реализуется Controller и HTTP-клиентом для удалённых воркеров.
type Reporter interface {
	MarkRunning(ctx context.Context, runID uuid.UUID) error
	ReportProgress(ctx context.Context, runID uuid.UUID, p domain.Progress) error
	StopRequested(ctx context.Context, runID uuid.UUID) (bool, error)
	Complete(ctx context.Context, runID uuid.UUID, res domain.Result) error
	Fail(ctx context.Context, runID uuid.UUID, message string, errs []domain.Entry) error
	Stopped(ctx context.Context, runID uuid.UUID, errs []domain.Entry) error
}

// InvokerFunc адаптирует функцию к Invoker.
type InvokerFunc func(ctx context.Context, job Job) error

func (f InvokerFunc) Dispatch(ctx context.Context, job Job) error {
	return f(ctx, job)
}
