package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shaiso/Cascade/internal/mq"
)

const defaultPrefetch = 1

// Worker выполняет шаги, полученные из очереди steps.ready.
//
// Worker не хранит состояние: статус запуска читается и пишется через
// Runner → Reporter. Несколько экземпляров могут потреблять одну очередь;
// один экземпляр выполняет Concurrency шагов одновременно.
type Worker struct {
	conn   *mq.Connection
	runner *Runner

	consumers   []*mq.Consumer
	concurrency int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Conn   *mq.Connection
	Runner *Runner

	// Concurrency — число параллельно выполняемых шагов (default: 1).
	Concurrency int

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Worker{
		conn:        cfg.Conn,
		runner:      cfg.Runner,
		concurrency: concurrency,
		logger:      logger.With("component", "worker"),
	}
}

// Start запускает потребителей очереди.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker", "concurrency", w.concurrency)

	for i := 0; i < w.concurrency; i++ {
		consumer := mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueStepsReady,
			Handler:  w.handleStepReady,
			Prefetch: defaultPrefetch,
		})
		w.consumers = append(w.consumers, consumer)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("step consumer error", "error", err)
			}
		}()
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт текущих шагов.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	for _, c := range w.consumers {
		c.Stop()
	}

	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// Health — ошибка для /healthz: ErrWorkerStopped после Stop,
// mq.ErrNotConnected пока соединение с брокером восстанавливается.
func (w *Worker) Health() error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}
	if w.conn != nil && !w.conn.IsConnected() {
		return mq.ErrNotConnected
	}
	return nil
}
