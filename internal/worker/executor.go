package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/execution"
)

// Executor выполняет один шаг каскада.
//
// Прогресс сообщается через Session. Если Session.Progress вернул
// execution.ErrStopRequested, исполнитель должен свернуть работу и вернуть
// эту ошибку (обёрнутую или как есть) вместе с накопленным результатом.
//
// ctx несёт жёсткий таймаут шага.
type Executor interface {
	Execute(ctx context.Context, s *Session) (domain.Result, error)
}

// ExecutorFunc адаптирует функцию к Executor.
type ExecutorFunc func(ctx context.Context, s *Session) (domain.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, s *Session) (domain.Result, error) {
	return f(ctx, s)
}

// Registry — исполнители по ScriptKey.
//
// Порядок выбора: исполнитель, зарегистрированный под ключом шага;
// затем fallback (обычно CommandExecutor) для шагов с командой или
// при наличии шаблона команды по умолчанию.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewRegistry создаёт пустой реестр с fallback-исполнителем (может быть nil).
func NewRegistry(fallback Executor) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		fallback:  fallback,
	}
}

// Register добавляет исполнителя для ключа шага.
func (r *Registry) Register(scriptKey string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[scriptKey] = executor
}

// Get возвращает исполнителя для шага.
func (r *Registry) Get(step domain.CascadeStep) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if executor, ok := r.executors[step.ScriptKey]; ok {
		return executor, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoExecutor, step.ScriptKey)
}

// Session — канал исполнителя к контроллеру на время одного запуска.
// Помнит последние счётчики, чтобы строки лога не сбрасывали прогресс.
type Session struct {
	job      execution.Job
	reporter execution.Reporter

	mu   sync.Mutex
	last domain.Progress
	stop bool
}

func newSession(job execution.Job, reporter execution.Reporter) *Session {
	return &Session{job: job, reporter: reporter}
}

// Job возвращает задание.
func (s *Session) Job() execution.Job {
	return s.job
}

// Progress отправляет отчёт о прогрессе.
// Возвращает execution.ErrStopRequested, если оператор запросил остановку.
func (s *Session) Progress(ctx context.Context, p domain.Progress) error {
	s.mu.Lock()
	s.last = p
	s.mu.Unlock()

	return s.report(ctx, p)
}

// Log добавляет строку лога, сохраняя текущие счётчики.
func (s *Session) Log(ctx context.Context, message string) error {
	s.mu.Lock()
	p := s.last
	p.Message = message
	s.mu.Unlock()

	return s.report(ctx, p)
}

// StopRequested проверяет флаг остановки без отчёта о прогрессе.
// Ошибка чтения считается отсутствием сигнала: он будет замечен позже.
func (s *Session) StopRequested(ctx context.Context) bool {
	if s.Stopping() {
		return true
	}

	requested, err := s.reporter.StopRequested(ctx, s.job.RunID)
	if err != nil || !requested {
		return false
	}

	s.markStop()
	return true
}

// Stopping — сигнал остановки уже был получен в этой сессии.
func (s *Session) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

func (s *Session) report(ctx context.Context, p domain.Progress) error {
	err := s.reporter.ReportProgress(ctx, s.job.RunID, p)
	if errors.Is(err, execution.ErrStopRequested) {
		s.markStop()
	}
	return err
}

func (s *Session) markStop() {
	s.mu.Lock()
	s.stop = true
	s.mu.Unlock()
}
