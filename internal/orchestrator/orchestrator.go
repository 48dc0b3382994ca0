package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/telemetry"
)

// Orchestrator держит секвенсоры каскадов, запущенные в этом процессе.
//
// На тенанта — не больше одного секвенсора в процессе. Между процессами
// взаимное исключение шагов обеспечивает Store (ErrConflict), поэтому два
// секвенсора в разных процессах не запустят один шаг дважды: второй
// присоединится к активному запуску.
type Orchestrator struct {
	controller *execution.Controller
	seqCfg     SequencerConfig

	mu       sync.RWMutex
	cascades map[string]*cascade

	// Lifecycle
	logger     *slog.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

type cascade struct {
	report Report
	cancel context.CancelFunc
}

// Config — конфигурация Orchestrator.
type Config struct {
	Controller *execution.Controller

	PollInterval time.Duration // интервал опроса статуса (default: 2s)
	SettleDelay  time.Duration // пауза после успешного шага (default: 2s)
	MaxWait      time.Duration // максимум ожидания одного шага (default: 15m)

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		controller: cfg.Controller,
		seqCfg: SequencerConfig{
			Controller:   cfg.Controller,
			PollInterval: cfg.PollInterval,
			SettleDelay:  cfg.SettleDelay,
			MaxWait:      cfg.MaxWait,
			Logger:       logger,
		},
		cascades:   make(map[string]*cascade),
		logger:     logger.With("component", "orchestrator"),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// StartCascade запускает секвенсор для тенанта в фоне.
//
// Тенант проверяется синхронно (ErrNotFound сразу). Если каскад тенанта
// уже идёт в этом процессе, возвращает ErrCascadeActive и текущий отчёт.
func (o *Orchestrator) StartCascade(ctx context.Context, tenantID string) (Report, error) {
	if o.IsStopped() {
		return Report{}, ErrOrchestratorStopped
	}

	if _, err := o.controller.Status(ctx, tenantID); err != nil {
		return Report{}, err
	}

	o.mu.Lock()
	if existing, ok := o.cascades[tenantID]; ok && !existing.report.State.IsFinal() {
		report := existing.report.clone()
		o.mu.Unlock()
		return report, ErrCascadeActive
	}

	runCtx, cancel := context.WithCancel(o.ctx)
	c := &cascade{
		report: Report{TenantID: tenantID, State: CascadeRunning, StartedAt: time.Now()},
		cancel: cancel,
	}
	o.cascades[tenantID] = c
	report := c.report.clone()
	o.mu.Unlock()

	cfg := o.seqCfg
	cfg.OnUpdate = func(r Report) {
		o.mu.Lock()
		defer o.mu.Unlock()
		// Перезапуск мог заменить запись: обновляем только свою
		if o.cascades[tenantID] == c {
			c.report = r
		}
	}
	seq := NewSequencer(cfg)

	telemetry.ActiveCascades.Inc()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer telemetry.ActiveCascades.Dec()
		defer cancel()

		final, err := seq.Run(runCtx, tenantID)
		telemetry.CascadeRuns.WithLabelValues(string(final.State)).Inc()

		logger := telemetry.WithTenantID(o.logger, tenantID)
		switch {
		case err != nil && final.State == CascadeCancelled:
			logger.Info("cascade cancelled", "completed", final.Completed, "total", final.Total)
		case err != nil:
			logger.Error("cascade aborted", "error", err)
		case final.State == CascadeFailed:
			logger.Warn("cascade halted", "failed_step", final.FailedStep, "message", final.Message)
		default:
			logger.Info("cascade finished", "total", final.Total)
		}
	}()

	return report, nil
}

// CascadeState возвращает последний отчёт каскада тенанта.
func (o *Orchestrator) CascadeState(tenantID string) (Report, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	c, ok := o.cascades[tenantID]
	if !ok {
		return Report{}, ErrCascadeNotFound
	}
	return c.report.clone(), nil
}

// CancelCascade прекращает ожидание секвенсора. Активный шаг продолжает
// выполняться: для его остановки нужен RequestStop.
func (o *Orchestrator) CancelCascade(tenantID string) bool {
	o.mu.RLock()
	c, ok := o.cascades[tenantID]
	active := ok && !c.report.State.IsFinal()
	o.mu.RUnlock()

	if !active {
		return false
	}
	c.cancel()
	return true
}

// Active возвращает число идущих каскадов.
func (o *Orchestrator) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	n := 0
	for _, c := range o.cascades {
		if !c.report.State.IsFinal() {
			n++
		}
	}
	return n
}

// Stop останавливает все секвенсоры и ждёт их завершения.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...", "active_cascades", o.Active())

	o.cancelFunc()
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}
