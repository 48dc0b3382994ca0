package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Cascade/internal/repo"
)

// Ошибки контроллера. Проверяются через errors.Is.
var (
	// ErrConflict — у тенанта уже активен шаг.
	ErrConflict = errors.New("step already active")

	// ErrNotFound — неизвестный тенант, шаг или запуск.
	ErrNotFound = errors.New("not found")

	// ErrWorkerFailure — внешний исполнитель упал или вернул ошибку.
	ErrWorkerFailure = errors.New("worker failure")

	// ErrTimeout — шаг превысил отведённое время.
	ErrTimeout = errors.New("step timeout")

	// ErrStoreUnavailable — хранилище статусов временно недоступно, нужно повторить.
	ErrStoreUnavailable = errors.New("status store unavailable")

	// ErrTerminal — запуск уже в финальном статусе, изменения не принимаются.
	ErrTerminal = errors.New("run already terminal")

	// ErrStopRequested — оператор запросил остановку; воркер должен завершиться.
	ErrStopRequested = errors.New("stop requested")
)

// Kind — категория ошибки.
type Kind string

const (
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindWorkerFailure    Kind = "worker_failure"
	KindTimeout          Kind = "timeout"
	KindStoreUnavailable Kind = "store_unavailable"
	KindTerminal         Kind = "terminal"
)

var kindSentinels = map[Kind]error{
	KindConflict:         ErrConflict,
	KindNotFound:         ErrNotFound,
	KindWorkerFailure:    ErrWorkerFailure,
	KindTimeout:          ErrTimeout,
	KindStoreUnavailable: ErrStoreUnavailable,
	KindTerminal:         ErrTerminal,
}

// Error — структурированная ошибка контроллера.
type Error struct {
	Kind      Kind
	Op        string
	TenantID  string
	ScriptKey string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + string(e.Kind)
	if e.TenantID != "" {
		msg += fmt.Sprintf(" (tenant %s", e.TenantID)
		if e.ScriptKey != "" {
			msg += ", step " + e.ScriptKey
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сопоставляет ошибку с сентинелом её категории.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf возвращает категорию ошибки или "" для неклассифицированных.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// storeError переводит ошибку хранилища в таксономию контроллера.
// Неклассифицированные ошибки возвращаются как есть (с контекстом).
func storeError(op, tenantID, scriptKey string, err error) error {
	var kind Kind
	switch {
	case errors.Is(err, repo.ErrConflict), errors.Is(err, repo.ErrAlreadyExists):
		kind = KindConflict
	case errors.Is(err, repo.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, repo.ErrUnavailable):
		kind = KindStoreUnavailable
	case errors.Is(err, repo.ErrInvalidState):
		kind = KindTerminal
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: kind, Op: op, TenantID: tenantID, ScriptKey: scriptKey, Err: err}
}

// TimeoutMessage — текст ошибки запуска, прерванного по таймауту.
func TimeoutMessage(after time.Duration) string {
	return fmt.Sprintf("step timed out after %s", after.Round(time.Second))
}
