package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Cascade/internal/domain"
)

// Store — хранилище статусов каскада, единый источник истины для всех наблюдателей.
//
// Все операции изолированы по тенанту. Реализации должны выполнять
// read-modify-write атомарно в рамках одного тенанта.
type Store interface {
	// CreateTenant создаёт тенанта со всеми флагами ScriptsStatus = false.
	// Возвращает ErrAlreadyExists, если тенант уже есть.
	CreateTenant(ctx context.Context, tenantID, name string, keys []string) error

	// Snapshot возвращает текущий запуск и чекпоинт тенанта.
	// Неизвестный тенант — ErrNotFound.
	Snapshot(ctx context.Context, tenantID string) (domain.Snapshot, error)

	// Begin делает status текущим запуском тенанта, если текущий запуск
	// не активен (compare-and-set). Иначе — ErrConflict.
	// Предыдущий запуск сохраняется в истории.
	Begin(ctx context.Context, status *domain.ExecutionStatus) error

	// GetRun возвращает запуск по ID.
	GetRun(ctx context.Context, runID uuid.UUID) (*domain.ExecutionStatus, error)

	// Update записывает нефинальные изменения запуска.
	// Флаг остановки не перезаписывается.
	// Если запуск уже финальный — ErrInvalidState.
	Update(ctx context.Context, status *domain.ExecutionStatus) error

	// Finish записывает финальный статус и, если markCompleted,
	// выставляет ScriptsStatus[scriptKey] = true в той же транзакции.
	// Если запуск уже финальный — ErrInvalidState.
	Finish(ctx context.Context, status *domain.ExecutionStatus, markCompleted bool) error

	// RequestStop выставляет флаг остановки на активном запуске тенанта.
	// Пустой scriptKey означает любой шаг. Возвращает false, если
	// подходящего активного запуска нет.
	RequestStop(ctx context.Context, tenantID, scriptKey string) (bool, error)

	// StopRequested читает флаг остановки запуска.
	StopRequested(ctx context.Context, runID uuid.UUID) (bool, error)

	// ListActive возвращает активные запуски, начатые раньше startedBefore.
	ListActive(ctx context.Context, startedBefore time.Time) ([]*domain.ExecutionStatus, error)

	// ListRuns возвращает историю запусков тенанта, новые первыми.
	ListRuns(ctx context.Context, tenantID string, limit int) ([]*domain.ExecutionStatus, error)

	// Reset сбрасывает флаги keys в false и очищает текущий запуск.
	// Пока запуск активен — ErrConflict.
	Reset(ctx context.Context, tenantID string, keys []string) error

	// Close освобождает ресурсы.
	Close() error
}

const defaultListLimit = 50

func listLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}

// StopLogMessage — строка журнала, которую хранилище добавляет при запросе остановки.
const StopLogMessage = "stop requested by operator"
