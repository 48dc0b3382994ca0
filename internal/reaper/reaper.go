package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/repo"
	"github.com/shaiso/Cascade/internal/telemetry"
	"github.com/shaiso/Cascade/internal/worker"
)

// DefaultGrace — запас сверх таймаута шага: воркер успевает сам
// сообщить о своём таймауте раньше reaper.
const DefaultGrace = time.Minute

// Reaper — обход зависших запусков.
type Reaper struct {
	store      repo.Store
	controller *execution.Controller
	schedule   cron.Schedule
	leader     Leader
	timeout    time.Duration
	grace      time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Config — конфигурация Reaper.
type Config struct {
	Store      repo.Store
	Controller *execution.Controller

	// Schedule — cron-выражение обхода (default: раз в минуту).
	Schedule string

	// Leader (default: Solo)
	Leader Leader

	StepTimeout time.Duration // таймаут шага без своего timeoutSec (default: 10m)
	Grace       time.Duration // запас сверх таймаута (default: 1m, <0 — без запаса)

	Logger *slog.Logger
	Now    func() time.Time
}

// New создаёт Reaper. Ошибка — только при невалидном расписании.
func New(cfg Config) (*Reaper, error) {
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	leader := cfg.Leader
	if leader == nil {
		leader = Solo{}
	}

	timeout := cfg.StepTimeout
	if timeout <= 0 {
		timeout = worker.DefaultStepTimeout
	}

	grace := cfg.Grace
	switch {
	case grace == 0:
		grace = DefaultGrace
	case grace < 0:
		grace = 0
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Reaper{
		store:      cfg.Store,
		controller: cfg.Controller,
		schedule:   schedule,
		leader:     leader,
		timeout:    timeout,
		grace:      grace,
		logger:     logger.With("component", "reaper"),
		now:        now,
	}, nil
}

// Run выполняет обход по расписанию до отмены ctx.
// Обход выполняет только лидер; при выходе лидерство отдаётся.
func (r *Reaper) Run(ctx context.Context) error {
	defer func() {
		if err := r.leader.Release(context.Background()); err != nil {
			r.logger.Warn("failed to release leadership", "error", err)
		}
	}()

	for {
		next := nextSweep(r.schedule, r.now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		r.tick(ctx)
	}
}

func (r *Reaper) tick(ctx context.Context) {
	leading, err := r.leader.TryLead(ctx)
	if err != nil {
		r.logger.Error("leader election failed", "error", err)
		return
	}
	if !leading {
		r.logger.Debug("not the leader, skipping sweep")
		return
	}

	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("sweep failed", "error", err)
	}
}

// timeoutFor — таймаут шага запуска: timeoutSec шага или значение по умолчанию.
func (r *Reaper) timeoutFor(scriptKey string) time.Duration {
	step, err := r.controller.Steps().Get(scriptKey)
	if err != nil {
		return r.timeout
	}
	return step.Timeout(r.timeout)
}

// minTimeout — наименьший таймаут среди шагов реестра.
func (r *Reaper) minTimeout() time.Duration {
	least := r.timeout
	for _, step := range r.controller.Steps().Steps() {
		least = min(least, step.Timeout(r.timeout))
	}
	return least
}

// Sweep завершает активные запуски, превысившие таймаут шага.
// Возвращает число завершённых запусков.
//
// Запуск, который воркер успел завершить сам (ErrTerminal), пропускается.
// Ошибки отдельных запусков не прерывают обход.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()

	runs, err := r.store.ListActive(ctx, now.Add(-(r.minTimeout() + r.grace)))
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("list_active").Inc()
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	var (
		reaped int
		result *multierror.Error
	)
	for _, run := range runs {
		timeout := r.timeoutFor(run.ScriptKey)
		if now.Sub(run.StartTime) < timeout+r.grace {
			continue
		}

		logger := telemetry.WithRun(r.logger, run.TenantID, run.ScriptKey, run.RunID.String())

		err := r.controller.TimedOut(ctx, run.RunID, timeout)
		switch {
		case errors.Is(err, execution.ErrTerminal):
			logger.Debug("run finished before sweep")
			continue
		case err != nil:
			logger.Error("failed to time out run", "error", err)
			result = multierror.Append(result, fmt.Errorf("run %s: %w", run.RunID, err))
			continue
		}

		reaped++
		telemetry.ReapedRuns.Inc()
		logger.Warn("run timed out", "started", run.StartTime, "timeout", timeout)
	}

	if reaped > 0 || len(runs) > 0 {
		r.logger.Info("sweep completed", "candidates", len(runs), "reaped", reaped)
	}
	return reaped, result.ErrorOrNil()
}
