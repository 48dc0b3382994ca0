package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/mq"
)

// LocalInvoker выполняет шаги в текущем процессе, каждый в своей горутине.
//
// Горутины живут на собственном контексте инвокера, а не на контексте
// запроса, принявшего Start: HTTP-ответ уходит сразу, шаг продолжается.
type LocalInvoker struct {
	runner *Runner
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

var _ execution.Invoker = (*LocalInvoker)(nil)

// NewLocalInvoker создаёт LocalInvoker.
func NewLocalInvoker(runner *Runner, logger *slog.Logger) *LocalInvoker {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LocalInvoker{
		runner: runner,
		logger: logger.With("component", "local-invoker"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dispatch запускает шаг в фоне.
func (l *LocalInvoker) Dispatch(ctx context.Context, job execution.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrWorkerStopped
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.runner.Run(l.ctx, job); err != nil {
			l.logger.Error("local run failed", "run_id", job.RunID, "error", err)
		}
	}()

	return nil
}

// Stop отменяет выполняющиеся шаги и ждёт записи их финальных статусов.
func (l *LocalInvoker) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
}

// StepPublisher — публикация заданий в очередь.
type StepPublisher interface {
	PublishStepReady(ctx context.Context, payload mq.StepReadyPayload) error
}

// QueueInvoker отдаёт шаги процессу cascade-worker через RabbitMQ.
type QueueInvoker struct {
	publisher StepPublisher
}

var _ execution.Invoker = (*QueueInvoker)(nil)

// NewQueueInvoker создаёт QueueInvoker.
func NewQueueInvoker(publisher StepPublisher) *QueueInvoker {
	return &QueueInvoker{publisher: publisher}
}

// Dispatch публикует step.ready. Ошибка публикации означает,
// что задание никто не выполнит, и запуск будет переведён в error.
func (q *QueueInvoker) Dispatch(ctx context.Context, job execution.Job) error {
	err := q.publisher.PublishStepReady(ctx, mq.StepReadyPayload{
		RunID:    job.RunID,
		TenantID: job.TenantID,
		Step:     job.Step,
	})
	if err != nil {
		return fmt.Errorf("publish step.ready: %w", err)
	}
	return nil
}
