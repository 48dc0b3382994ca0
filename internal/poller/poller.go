package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/repo"
)

const defaultInterval = 2 * time.Second

var (
	// ErrTimeout — запуск не завершился за maxWait.
	ErrTimeout = errors.New("timed out waiting for run")

	// ErrSuperseded — текущий статус тенанта уже принадлежит другому запуску
	// (или очищен сбросом), а источник не умеет читать запуск по ID.
	ErrSuperseded = errors.New("run superseded")
)

// Source — чтение снимка тенанта. Реализуется Store, Controller и HTTP-клиентом CLI.
type Source interface {
	Snapshot(ctx context.Context, tenantID string) (domain.Snapshot, error)
}

// RunSource — источник, умеющий читать запуск по ID.
type RunSource interface {
	Run(ctx context.Context, runID uuid.UUID) (*domain.ExecutionStatus, error)
}

// SourceFunc адаптирует функцию к Source.
type SourceFunc func(ctx context.Context, tenantID string) (domain.Snapshot, error)

func (f SourceFunc) Snapshot(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	return f(ctx, tenantID)
}

// Transient — ошибка означает «статус неизвестен», а не «idle»:
// опрос продолжается на следующем тике.
func Transient(err error) bool {
	return errors.Is(err, repo.ErrUnavailable)
}

// WaitTerminal опрашивает src, пока запуск runID не придёт в финальный статус.
//
// Первый опрос выполняется сразу. maxWait <= 0 — без ограничения.
func WaitTerminal(ctx context.Context, src Source, tenantID string, runID uuid.UUID, interval, maxWait time.Duration) (*domain.ExecutionStatus, error) {
	if interval <= 0 {
		interval = defaultInterval
	}

	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	parentDone := ctx.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, done, err := checkRun(ctx, src, tenantID, runID)
		if done {
			return status, err
		}

		select {
		case <-parentDone:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && maxWait > 0 {
				return status, fmt.Errorf("%w %s after %s", ErrTimeout, runID, maxWait)
			}
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkRun выполняет один опрос. done=false — продолжать ждать.
func checkRun(ctx context.Context, src Source, tenantID string, runID uuid.UUID) (*domain.ExecutionStatus, bool, error) {
	snap, err := src.Snapshot(ctx, tenantID)
	if err != nil {
		if Transient(err) || ctx.Err() != nil {
			return nil, false, nil
		}
		return nil, true, err
	}

	if snap.Status != nil && snap.Status.RunID == runID {
		if snap.Status.Status.IsTerminal() {
			return snap.Status, true, nil
		}
		return snap.Status, false, nil
	}

	// Статус тенанта сменился: запуск уже завершён, читаем его напрямую
	rs, ok := src.(RunSource)
	if !ok {
		return nil, true, ErrSuperseded
	}

	run, err := rs.Run(ctx, runID)
	if err != nil {
		if Transient(err) {
			return nil, false, nil
		}
		return nil, true, err
	}
	if run.Status.IsTerminal() {
		return run, true, nil
	}
	return run, false, nil
}

// IsStale — активный запуск давно не обновлялся. Эвристика для наблюдателей:
// воркер, возможно, пропал, и запуск снимет reaper.
func IsStale(status *domain.ExecutionStatus, now time.Time, after time.Duration) bool {
	if status == nil || !status.Status.IsActive() {
		return false
	}
	last := status.UpdatedAt
	if last.IsZero() {
		last = status.StartTime
	}
	return now.Sub(last) > after
}

// Poller следит за тенантом и сообщает об изменениях снимка.
type Poller struct {
	src      Source
	tenantID string
	interval time.Duration
	onChange func(prev, cur domain.Snapshot)
	onError  func(err error)
	logger   *slog.Logger
}

// Config — конфигурация Poller.
type Config struct {
	Source   Source
	TenantID string

	// Interval — период опроса (default: 2s).
	Interval time.Duration

	// OnChange вызывается на первом снимке и при каждом изменении.
	// Отсутствующий статус приходит как снимок с Status == nil (idle).
	OnChange func(prev, cur domain.Snapshot)

	// OnError вызывается при ошибке опроса. Опрос продолжается.
	OnError func(err error)

	Logger *slog.Logger
}

// New создаёт Poller.
func New(cfg Config) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		src:      cfg.Source,
		tenantID: cfg.TenantID,
		interval: interval,
		onChange: cfg.OnChange,
		onError:  cfg.OnError,
		logger:   logger.With("component", "poller", "tenant_id", cfg.TenantID),
	}
}

// Run опрашивает источник до отмены ctx.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var (
		prev  domain.Snapshot
		first = true
	)

	for {
		cur, err := p.src.Snapshot(ctx, p.tenantID)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			p.logger.Debug("poll failed", "error", err, "transient", Transient(err))
			if p.onError != nil {
				p.onError(err)
			}
		case first || Changed(prev, cur):
			if p.onChange != nil {
				p.onChange(prev, cur)
			}
			prev, first = cur, false
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Changed сравнивает снимки по видимым наблюдателю полям.
func Changed(prev, cur domain.Snapshot) bool {
	if prev.Found != cur.Found || !maps.Equal(prev.Scripts, cur.Scripts) {
		return true
	}

	a, b := prev.Status, cur.Status
	if a == nil || b == nil {
		return a != b
	}

	return a.RunID != b.RunID ||
		a.Status != b.Status ||
		a.Progress != b.Progress ||
		a.Current != b.Current ||
		a.Total != b.Total ||
		a.Message != b.Message ||
		a.ItemName != b.ItemName ||
		a.StopRequested != b.StopRequested ||
		len(a.Logs) != len(b.Logs) ||
		len(a.Errors) != len(b.Errors)
}
