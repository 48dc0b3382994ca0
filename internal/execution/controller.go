package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/repo"
	"github.com/shaiso/Cascade/internal/steps"
	"github.com/shaiso/Cascade/internal/telemetry"
)

// Controller — конечный автомат одного шага.
//
// Ведёт запуск от starting до финального статуса и записывает каждый
// переход в Store. Взаимное исключение между процессами обеспечивает
// Store.Begin (compare-and-set по статусу), а не блокировка в памяти.
//
// Все методы безопасны для конкурентного использования.
type Controller struct {
	store   repo.Store
	steps   *steps.Registry
	invoker Invoker
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Config — конфигурация Controller.
type Config struct {
	Store   repo.Store
	Steps   *steps.Registry
	Invoker Invoker

	// Logger (default: slog.Default())
	Logger *slog.Logger

	// Tracer (default: глобальный провайдер otel)
	Tracer trace.Tracer

	// Now — источник времени (для тестов).
	Now func() time.Time
}

var _ Reporter = (*Controller)(nil)

// New создаёт новый Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer("cascade/execution")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	registry := cfg.Steps
	if registry == nil {
		registry = steps.DefaultRegistry()
	}

	return &Controller{
		store:   cfg.Store,
		steps:   registry,
		invoker: cfg.Invoker,
		logger:  logger.With("component", "execution"),
		tracer:  tracer,
		now:     now,
	}
}

// SetInvoker задаёт исполнителя. Вызывается при сборке, до первого Start:
// локальный исполнитель сам зависит от контроллера как от Reporter.
func (c *Controller) SetInvoker(inv Invoker) {
	c.invoker = inv
}

// Steps возвращает реестр шагов.
func (c *Controller) Steps() *steps.Registry {
	return c.steps
}

// Start запускает шаг для тенанта.
//
// Синхронно записывает статус starting (или ErrConflict, если у тенанта
// уже активен шаг), затем асинхронно передаёт задание исполнителю и сразу
// возвращает начальный статус, не дожидаясь завершения.
//
// Если исполнитель не принял задание, запуск сразу переводится в error и
// возвращается вместе с ошибкой ErrWorkerFailure.
func (c *Controller) Start(ctx context.Context, tenantID, scriptKey string) (*domain.ExecutionStatus, error) {
	ctx, span := c.tracer.Start(ctx, "execution.start", trace.WithAttributes(
		telemetry.AttrTenantID.String(tenantID),
		telemetry.AttrScriptKey.String(scriptKey),
	))
	defer span.End()

	logger := telemetry.WithStep(c.logger, tenantID, scriptKey)

	step, err := c.steps.Get(scriptKey)
	if err != nil {
		err = &Error{Kind: KindNotFound, Op: "start", TenantID: tenantID, ScriptKey: scriptKey, Err: err}
		telemetry.RecordError(span, err)
		return nil, err
	}

	status := domain.NewExecutionStatus(tenantID, step, c.now())
	span.SetAttributes(telemetry.AttrRunID.String(status.RunID.String()))

	if err := c.store.Begin(ctx, status); err != nil {
		err = storeError("start", tenantID, scriptKey, err)
		if errors.Is(err, ErrConflict) {
			telemetry.StartConflicts.Inc()
			logger.Info("start rejected, step already active")
		} else {
			telemetry.StoreErrors.WithLabelValues("begin").Inc()
			logger.Error("failed to begin run", "error", err)
		}
		telemetry.RecordError(span, err)
		return nil, err
	}

	telemetry.StepTransitions.WithLabelValues(scriptKey, string(domain.StatusStarting)).Inc()
	logger.Info("step starting", "run_id", status.RunID)

	dispatchErr := errors.New("no worker invoker configured")
	if c.invoker != nil {
		dispatchErr = c.invoker.Dispatch(ctx, Job{RunID: status.RunID, TenantID: tenantID, Step: step})
	}
	if dispatchErr != nil {
		logger.Error("failed to dispatch step", "run_id", status.RunID, "error", dispatchErr)
		msg := fmt.Sprintf("dispatch failed: %v", dispatchErr)
		if err := c.Fail(ctx, status.RunID, msg, nil); err != nil {
			logger.Error("failed to record dispatch failure", "run_id", status.RunID, "error", err)
		}
		failed, _ := c.store.GetRun(ctx, status.RunID)
		err := &Error{Kind: KindWorkerFailure, Op: "start", TenantID: tenantID, ScriptKey: scriptKey, Err: dispatchErr}
		telemetry.RecordError(span, err)
		return failed, err
	}

	return status, nil
}

// MarkRunning переводит starting → running при первом контакте воркера.
func (c *Controller) MarkRunning(ctx context.Context, runID uuid.UUID) error {
	run, err := c.activeRun(ctx, "mark running", runID)
	if err != nil {
		return err
	}
	if run.Status == domain.StatusRunning {
		return nil
	}

	run.MarkRunning(c.now())
	if err := c.store.Update(ctx, run); err != nil {
		return storeError("mark running", run.TenantID, run.ScriptKey, err)
	}

	telemetry.StepTransitions.WithLabelValues(run.ScriptKey, string(domain.StatusRunning)).Inc()
	telemetry.WithStep(c.logger, run.TenantID, run.ScriptKey).Info("step running", "run_id", runID)
	return nil
}

// ReportProgress применяет отчёт воркера о прогрессе.
//
// Повтор одинакового отчёта ничего не накапливает. Если оператор запросил
// остановку, прогресс всё равно записывается, а возвращается ErrStopRequested:
// это точка, где воркер наблюдает сигнал остановки.
func (c *Controller) ReportProgress(ctx context.Context, runID uuid.UUID, p domain.Progress) error {
	run, err := c.activeRun(ctx, "report progress", runID)
	if err != nil {
		return err
	}

	if run.ApplyProgress(p, c.now()) {
		if err := c.store.Update(ctx, run); err != nil {
			return storeError("report progress", run.TenantID, run.ScriptKey, err)
		}
	}
	telemetry.ProgressReports.Inc()

	if run.StopRequested {
		return ErrStopRequested
	}
	return nil
}

// ReportTenantProgress — прогресс по тенанту: для воркеров, которые знают
// только идентификатор тенанта. Применяется к активному запуску.
func (c *Controller) ReportTenantProgress(ctx context.Context, tenantID string, p domain.Progress) error {
	snap, err := c.store.Snapshot(ctx, tenantID)
	if err != nil {
		return storeError("report progress", tenantID, "", err)
	}
	run := snap.ActiveRun()
	if run == nil {
		return &Error{Kind: KindNotFound, Op: "report progress", TenantID: tenantID, Err: errors.New("no active step")}
	}
	return c.ReportProgress(ctx, run.RunID, p)
}

// StopRequested читает флаг остановки запуска.
func (c *Controller) StopRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	requested, err := c.store.StopRequested(ctx, runID)
	if err != nil {
		return false, storeError("stop requested", "", "", err)
	}
	return requested, nil
}

// Complete завершает запуск успешно и выставляет флаг шага в ScriptsStatus.
func (c *Controller) Complete(ctx context.Context, runID uuid.UUID, res domain.Result) error {
	return c.finish(ctx, "complete", runID, func(run *domain.ExecutionStatus, now time.Time) {
		run.MarkCompleted(res, now)
	})
}

// Fail завершает запуск ошибкой. Флаг шага остаётся false.
func (c *Controller) Fail(ctx context.Context, runID uuid.UUID, message string, errs []domain.Entry) error {
	return c.finish(ctx, "fail", runID, func(run *domain.ExecutionStatus, now time.Time) {
		run.MarkFailed(message, errs, now)
	})
}

// Stopped завершает запуск, остановленный по запросу оператора.
func (c *Controller) Stopped(ctx context.Context, runID uuid.UUID, errs []domain.Entry) error {
	return c.finish(ctx, "stop", runID, func(run *domain.ExecutionStatus, now time.Time) {
		run.MarkStopped(errs, now)
	})
}

// TimedOut завершает запуск по жёсткому таймауту без участия воркера.
func (c *Controller) TimedOut(ctx context.Context, runID uuid.UUID, after time.Duration) error {
	return c.finish(ctx, "timeout", runID, func(run *domain.ExecutionStatus, now time.Time) {
		run.MarkFailed(TimeoutMessage(after), nil, now)
	})
}

func (c *Controller) finish(ctx context.Context, op string, runID uuid.UUID, apply func(*domain.ExecutionStatus, time.Time)) error {
	ctx, span := c.tracer.Start(ctx, "execution."+op, trace.WithAttributes(
		telemetry.AttrRunID.String(runID.String()),
	))
	defer span.End()

	run, err := c.activeRun(ctx, op, runID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	span.SetAttributes(
		telemetry.AttrTenantID.String(run.TenantID),
		telemetry.AttrScriptKey.String(run.ScriptKey),
	)

	now := c.now()
	apply(run, now)
	completed := run.Status == domain.StatusCompleted

	if err := c.store.Finish(ctx, run, completed); err != nil {
		err = storeError(op, run.TenantID, run.ScriptKey, err)
		if !errors.Is(err, ErrTerminal) {
			telemetry.StoreErrors.WithLabelValues("finish").Inc()
		}
		telemetry.RecordError(span, err)
		return err
	}

	span.SetAttributes(telemetry.AttrStatus.String(string(run.Status)), attribute.Bool("cascade.stopped", run.Stopped))
	telemetry.StepTransitions.WithLabelValues(run.ScriptKey, string(run.Status)).Inc()
	telemetry.StepDuration.WithLabelValues(run.ScriptKey, string(run.Status)).Observe(run.Duration(now).Seconds())

	logger := telemetry.WithStep(c.logger, run.TenantID, run.ScriptKey)
	if completed {
		logger.Info("step completed", "run_id", runID, "successes", run.Successes, "errors", len(run.Errors))
	} else {
		logger.Warn("step failed", "run_id", runID, "message", run.Message, "stopped", run.Stopped)
	}
	return nil
}

// activeRun читает запуск и проверяет, что он ещё не завершён.
func (c *Controller) activeRun(ctx context.Context, op string, runID uuid.UUID) (*domain.ExecutionStatus, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storeError(op, "", "", err)
	}
	if run.IsTerminal() {
		return nil, &Error{Kind: KindTerminal, Op: op, TenantID: run.TenantID, ScriptKey: run.ScriptKey,
			Err: fmt.Errorf("run %s is %s", runID, run.Status)}
	}
	return run, nil
}

// RequestStop запрашивает остановку активного шага тенанта.
//
// Остановка кооперативная: флаг сохраняется в Store, воркер видит его
// при следующем отчёте о прогрессе. Если активного шага нет (или он уже
// завершён), возвращает false без ошибки.
func (c *Controller) RequestStop(ctx context.Context, tenantID, scriptKey string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "execution.request_stop", trace.WithAttributes(
		telemetry.AttrTenantID.String(tenantID),
		telemetry.AttrScriptKey.String(scriptKey),
	))
	defer span.End()

	stopped, err := c.store.RequestStop(ctx, tenantID, scriptKey)
	if err != nil {
		err = storeError("request stop", tenantID, scriptKey, err)
		telemetry.RecordError(span, err)
		return false, err
	}

	logger := telemetry.WithStep(c.logger, tenantID, scriptKey)
	if stopped {
		telemetry.StopRequests.WithLabelValues("stopped").Inc()
		logger.Info("stop requested")
	} else {
		telemetry.StopRequests.WithLabelValues("noop").Inc()
		logger.Info("stop requested, nothing active")
	}
	return stopped, nil
}

// Status возвращает снимок тенанта. ScriptsStatus дополняется всеми
// шагами реестра (false для отсутствующих).
func (c *Controller) Status(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	snap, err := c.store.Snapshot(ctx, tenantID)
	if err != nil {
		return snap, storeError("status", tenantID, "", err)
	}
	if snap.Scripts == nil {
		snap.Scripts = make(domain.ScriptsStatus)
	}
	for _, key := range c.steps.Keys() {
		if _, ok := snap.Scripts[key]; !ok {
			snap.Scripts[key] = false
		}
	}
	return snap, nil
}

// Runs возвращает историю запусков тенанта.
func (c *Controller) Runs(ctx context.Context, tenantID string, limit int) ([]*domain.ExecutionStatus, error) {
	runs, err := c.store.ListRuns(ctx, tenantID, limit)
	if err != nil {
		return nil, storeError("list runs", tenantID, "", err)
	}
	return runs, nil
}

// Run возвращает запуск по ID.
func (c *Controller) Run(ctx context.Context, runID uuid.UUID) (*domain.ExecutionStatus, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storeError("get run", "", "", err)
	}
	return run, nil
}

// CreateTenant создаёт тенанта со всеми флагами шагов false.
func (c *Controller) CreateTenant(ctx context.Context, tenantID, name string) error {
	if err := c.store.CreateTenant(ctx, tenantID, name, c.steps.Keys()); err != nil {
		return storeError("create tenant", tenantID, "", err)
	}
	telemetry.WithTenantID(c.logger, tenantID).Info("tenant created")
	return nil
}

// Reset — административный сброс: все флаги false, текущий статус очищен.
func (c *Controller) Reset(ctx context.Context, tenantID string) error {
	if err := c.store.Reset(ctx, tenantID, c.steps.Keys()); err != nil {
		return storeError("reset", tenantID, "", err)
	}
	telemetry.WithTenantID(c.logger, tenantID).Warn("cascade reset")
	return nil
}
