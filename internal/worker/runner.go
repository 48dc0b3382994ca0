package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/telemetry"
)

const (
	// DefaultStepTimeout — жёсткий таймаут шага, если у шага он не задан.
	DefaultStepTimeout = 10 * time.Minute

	// reportTimeout ограничивает запись финального статуса после отмены ctx.
	reportTimeout = 10 * time.Second

	shutdownMessage = "worker shut down during execution"
)

// Runner доводит одно задание до финального статуса.
//
// Последовательность: MarkRunning → проверка флага остановки → Executor →
// Complete / Fail / Stopped. Паника исполнителя превращается в Fail.
type Runner struct {
	reporter    execution.Reporter
	registry    *Registry
	stepTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// RunnerConfig — конфигурация Runner.
type RunnerConfig struct {
	Reporter execution.Reporter
	Registry *Registry

	// StepTimeout — таймаут по умолчанию (default: 10m).
	StepTimeout time.Duration

	Logger *slog.Logger
	Tracer trace.Tracer
}

// NewRunner создаёт Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer("cascade/worker")
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(nil)
	}

	return &Runner{
		reporter:    cfg.Reporter,
		registry:    registry,
		stepTimeout: stepTimeout,
		logger:      logger.With("component", "runner"),
		tracer:      tracer,
	}
}

// Run выполняет задание.
//
// Запуск, уже завершённый к моменту старта (остановлен, снят по таймауту),
// пропускается без ошибки. Ошибка возвращается, только если не удалось
// записать статус.
func (r *Runner) Run(ctx context.Context, job execution.Job) error {
	ctx, span := r.tracer.Start(ctx, "worker.run", trace.WithAttributes(
		telemetry.AttrRunID.String(job.RunID.String()),
		telemetry.AttrTenantID.String(job.TenantID),
		telemetry.AttrScriptKey.String(job.Step.ScriptKey),
	))
	defer span.End()

	logger := telemetry.WithRun(r.logger, job.TenantID, job.Step.ScriptKey, job.RunID.String())

	if err := r.reporter.MarkRunning(ctx, job.RunID); err != nil {
		if errors.Is(err, execution.ErrTerminal) {
			logger.Info("run already finished, skipping")
			return nil
		}
		telemetry.RecordError(span, err)
		return fmt.Errorf("mark running: %w", err)
	}

	session := newSession(job, r.reporter)

	// Остановку могли запросить, пока задание ждало в очереди
	if session.StopRequested(ctx) {
		logger.Info("stop requested before execution")
		return r.settle(ctx, logger, func(ctx context.Context) error {
			return r.reporter.Stopped(ctx, job.RunID, nil)
		})
	}

	executor, err := r.registry.Get(job.Step)
	if err != nil {
		logger.Error("no executor for step", "error", err)
		return r.settle(ctx, logger, func(ctx context.Context) error {
			return r.reporter.Fail(ctx, job.RunID, err.Error(), nil)
		})
	}

	timeout := job.Step.Timeout(r.stepTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	started := time.Now()

	logger.Info("executing step", "timeout", timeout)
	res, execErr := safeExecute(execCtx, logger, executor, session)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	logger = logger.With("elapsed", time.Since(started).Round(time.Millisecond))

	switch {
	case execErr == nil:
		logger.Info("step executed", "successes", res.Successes, "errors", len(res.Errors))
		return r.settle(ctx, logger, func(ctx context.Context) error {
			return r.reporter.Complete(ctx, job.RunID, res)
		})

	case errors.Is(execErr, execution.ErrStopRequested) || session.Stopping():
		logger.Info("step stopped by operator")
		return r.settle(ctx, logger, func(ctx context.Context) error {
			return r.reporter.Stopped(ctx, job.RunID, res.Errors)
		})

	case timedOut:
		logger.Warn("step timed out", "timeout", timeout)
		return r.settle(ctx, logger, func(ctx context.Context) error {
			return r.reporter.Fail(ctx, job.RunID, execution.TimeoutMessage(timeout), res.Errors)
		})

	case ctx.Err() != nil:
		logger.Warn("worker context cancelled during step", "error", execErr)
		return r.settle(ctx, logger, func(ctx context.Context) error {
			return r.reporter.Fail(ctx, job.RunID, shutdownMessage, res.Errors)
		})

	default:
		telemetry.RecordError(span, execErr)
		logger.Warn("step execution failed", "error", execErr)
		return r.settle(ctx, logger, func(ctx context.Context) error {
			return r.reporter.Fail(ctx, job.RunID, execErr.Error(), res.Errors)
		})
	}
}

// settle записывает финальный статус. Работает и после отмены ctx:
// остановка воркера не должна оставлять запуск активным.
func (r *Runner) settle(ctx context.Context, logger *slog.Logger, write func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	err := write(ctx)
	if err == nil {
		return nil
	}

	// Запуск уже завершён кем-то другим (reaper, повторный вызов)
	if errors.Is(err, execution.ErrTerminal) {
		logger.Info("run already finished, result discarded", "error", err)
		return nil
	}

	logger.Error("failed to record step result", "error", err)
	return fmt.Errorf("record result: %w", err)
}

// safeExecute вызывает исполнителя, превращая панику в ошибку.
func safeExecute(ctx context.Context, logger *slog.Logger, executor Executor, s *Session) (res domain.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("executor panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: panic: %v", ErrExecutionFailed, p)
		}
	}()
	return executor.Execute(ctx, s)
}
