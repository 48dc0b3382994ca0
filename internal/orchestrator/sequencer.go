package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/poller"
	"github.com/shaiso/Cascade/internal/telemetry"
)

// Default configuration values.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultSettleDelay  = 2 * time.Second
	DefaultMaxWait      = 15 * time.Minute
)

// Sequencer проводит реестр шагов по одному тенанту.
//
// Шаги идут по возрастанию Order. Шаг с флагом true пропускается, поэтому
// повторный прогон продолжает с первого незавершённого шага. Ожидание
// завершения — опрос Store, а не блокировка в процессе: шаг может выполняться
// в другом процессе. Первая ошибка останавливает прогон, следующий шаг
// не запускается.
type Sequencer struct {
	controller   *execution.Controller
	pollInterval time.Duration
	settleDelay  time.Duration
	maxWait      time.Duration
	onUpdate     func(Report)
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// SequencerConfig — конфигурация Sequencer.
type SequencerConfig struct {
	Controller *execution.Controller

	// PollInterval — период опроса статуса (default: 2s).
	PollInterval time.Duration

	// SettleDelay — пауза после успешного шага перед чтением флагов
	// (default: 2s, отрицательное значение — без паузы).
	SettleDelay time.Duration

	// MaxWait — сколько ждать один шаг, прежде чем снять его по таймауту (default: 15m).
	MaxWait time.Duration

	// OnUpdate вызывается при каждом изменении отчёта.
	OnUpdate func(Report)

	Logger *slog.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

// NewSequencer создаёт Sequencer.
func NewSequencer(cfg SequencerConfig) *Sequencer {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	settleDelay := cfg.SettleDelay
	switch {
	case settleDelay == 0:
		settleDelay = DefaultSettleDelay
	case settleDelay < 0:
		// Отрицательное значение отключает паузу (Store с сильной согласованностью)
		settleDelay = 0
	}

	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer("cascade/orchestrator")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Sequencer{
		controller:   cfg.Controller,
		pollInterval: pollInterval,
		settleDelay:  settleDelay,
		maxWait:      maxWait,
		onUpdate:     cfg.OnUpdate,
		logger:       logger.With("component", "sequencer"),
		tracer:       tracer,
		now:          now,
	}
}

// Run выполняет каскад до конца или до первой ошибки.
//
// Остановка на ошибке шага — нормальный результат (State=failed, err=nil).
// Ошибка возвращается, когда прогон не может продолжаться: отмена ctx,
// неизвестный тенант.
func (s *Sequencer) Run(ctx context.Context, tenantID string) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.cascade", trace.WithAttributes(
		telemetry.AttrTenantID.String(tenantID),
	))
	defer span.End()

	logger := telemetry.WithTenantID(s.logger, tenantID)
	registry := s.controller.Steps()
	keys := registry.Keys()

	report := Report{
		TenantID:  tenantID,
		State:     CascadeRunning,
		Total:     len(keys),
		StartedAt: s.now(),
	}

	if len(keys) == 0 {
		report.Progress = 100
		report.finish(CascadeCompleted, s.now())
		s.publish(report)
		return report, nil
	}

	logger.Info("cascade started", "steps", len(keys))

	for {
		snap, err := s.controller.Status(ctx, tenantID)
		if err != nil {
			if poller.Transient(err) {
				logger.Warn("status unavailable, retrying", "error", err)
				if err := s.sleep(ctx, s.pollInterval); err != nil {
					return s.cancelled(report, err), err
				}
				continue
			}
			telemetry.RecordError(span, err)
			if ctx.Err() != nil {
				return s.cancelled(report, ctx.Err()), ctx.Err()
			}
			return s.halt(report, "", err.Error()), err
		}

		report.observe(keys, snap.Scripts)

		next, ok := registry.Next(snap.Scripts)
		if !ok {
			report.finish(CascadeCompleted, s.now())
			s.publish(report)
			logger.Info("cascade completed", "steps", report.Total)
			return report, nil
		}

		report.CurrentStep = next.ScriptKey
		s.publish(report)

		runID, attached, err := s.acquire(ctx, logger, tenantID, next, snap, &report)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled(report, ctx.Err()), ctx.Err()
			}
			var halted haltError
			if errors.As(err, &halted) {
				return s.halt(report, next.ScriptKey, halted.message), nil
			}
			return s.halt(report, next.ScriptKey, err.Error()), err
		}
		if runID == uuid.Nil {
			// Гонка за старт или недоступность Store: перечитываем снимок
			if err := s.sleep(ctx, s.pollInterval); err != nil {
				return s.cancelled(report, err), err
			}
			continue
		}

		final, err := poller.WaitTerminal(ctx, s.source(), tenantID, runID, s.pollInterval, s.maxWait)
		switch {
		case errors.Is(err, poller.ErrTimeout):
			logger.Warn("step exceeded max wait, marking as timed out", "script_key", attached.ScriptKey, "run_id", runID, "max_wait", s.maxWait)
			if err := s.controller.TimedOut(ctx, runID, s.maxWait); err != nil && !errors.Is(err, execution.ErrTerminal) {
				logger.Error("failed to mark step timed out", "run_id", runID, "error", err)
			}
			return s.halt(report, attached.ScriptKey, execution.TimeoutMessage(s.maxWait)), nil

		case err != nil && ctx.Err() != nil:
			return s.cancelled(report, ctx.Err()), ctx.Err()

		case err != nil:
			telemetry.RecordError(span, err)
			return s.halt(report, attached.ScriptKey, err.Error()), err
		}

		if final.Status == domain.StatusError {
			if final.ScriptKey != next.ScriptKey {
				// Упал чужой шаг, запущенный вне каскада: это не наш шаг, продолжаем
				logger.Info("foreign step failed, re-evaluating", "script_key", final.ScriptKey)
				continue
			}
			logger.Warn("cascade halted on failed step", "script_key", final.ScriptKey, "message", final.Message)
			return s.halt(report, final.ScriptKey, final.Message), nil
		}

		logger.Info("cascade step completed", "script_key", final.ScriptKey, "run_id", runID)

		// Даём записи флага стать видимой до следующего чтения
		if err := s.sleep(ctx, s.settleDelay); err != nil {
			return s.cancelled(report, err), err
		}
	}
}

// haltError — шаг не удалось запустить, и это финальная ошибка шага.
type haltError struct {
	message string
}

func (e haltError) Error() string {
	return e.message
}

// acquire запускает шаг или присоединяется к уже активному запуску.
// uuid.Nil без ошибки — снимок устарел, нужно перечитать.
func (s *Sequencer) acquire(ctx context.Context, logger *slog.Logger, tenantID string, next domain.CascadeStep, snap domain.Snapshot, report *Report) (uuid.UUID, domain.CascadeStep, error) {
	if active := snap.ActiveRun(); active != nil {
		if active.ScriptKey == next.ScriptKey {
			logger.Info("attaching to active step", "script_key", active.ScriptKey, "run_id", active.RunID)
		} else {
			logger.Info("waiting for another active step", "script_key", active.ScriptKey, "next", next.ScriptKey)
		}
		return active.RunID, domain.CascadeStep{ScriptKey: active.ScriptKey, Name: active.ScriptName}, nil
	}

	status, err := s.controller.Start(ctx, tenantID, next.ScriptKey)
	switch {
	case err == nil:
		report.Started = append(report.Started, next.ScriptKey)
		return status.RunID, next, nil

	case errors.Is(err, execution.ErrConflict):
		logger.Info("start raced with another starter, attaching", "script_key", next.ScriptKey)
		return uuid.Nil, next, nil

	case errors.Is(err, execution.ErrStoreUnavailable):
		logger.Warn("store unavailable on start, retrying", "script_key", next.ScriptKey, "error", err)
		return uuid.Nil, next, nil

	case errors.Is(err, execution.ErrWorkerFailure):
		msg := err.Error()
		if status != nil && status.Message != "" {
			msg = status.Message
		}
		return uuid.Nil, next, haltError{message: msg}
	}

	return uuid.Nil, next, err
}

func (s *Sequencer) halt(report Report, scriptKey, message string) Report {
	report.FailedStep = scriptKey
	report.Message = message
	report.finish(CascadeFailed, s.now())
	s.publish(report)
	return report
}

func (s *Sequencer) cancelled(report Report, err error) Report {
	report.Message = err.Error()
	report.finish(CascadeCancelled, s.now())
	s.publish(report)
	return report
}

func (s *Sequencer) publish(report Report) {
	if s.onUpdate != nil {
		s.onUpdate(report.clone())
	}
}

func (s *Sequencer) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Sequencer) source() poller.Source {
	return controllerSource{s.controller}
}

// controllerSource — Controller как источник для поллера.
type controllerSource struct {
	c *execution.Controller
}

func (c controllerSource) Snapshot(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	return c.c.Status(ctx, tenantID)
}

func (c controllerSource) Run(ctx context.Context, runID uuid.UUID) (*domain.ExecutionStatus, error) {
	return c.c.Run(ctx, runID)
}
