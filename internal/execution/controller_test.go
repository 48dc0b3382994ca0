package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/repo"
	"github.com/shaiso/Cascade/internal/steps"
)

type recordingInvoker struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (r *recordingInvoker) Dispatch(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingInvoker) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

func newTestController(t *testing.T) (*Controller, *repo.MemoryStore, *recordingInvoker) {
	t.Helper()

	store := repo.NewMemoryStore()
	inv := &recordingInvoker{}
	c := New(Config{
		Store:   store,
		Invoker: inv,
		Steps: steps.MustRegistry([]domain.CascadeStep{
			{ID: "1", ScriptKey: "a", Name: "A", Order: 1},
			{ID: "2", ScriptKey: "b", Name: "B", Order: 2},
			{ID: "3", ScriptKey: "c", Name: "C", Order: 3},
		}),
	})
	require.NoError(t, c.CreateTenant(context.Background(), "t1", "Tenant"))
	return c, store, inv
}

func TestController_StartWritesStartingAndDispatches(t *testing.T) {
	c, _, inv := newTestController(t)
	ctx := context.Background()

	status, err := c.Start(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarting, status.Status)

	snap, err := c.Status(ctx, "t1")
	require.NoError(t, err)
	require.True(t, snap.Found)
	assert.Equal(t, domain.StatusStarting, snap.Status.Status)
	assert.Equal(t, status.RunID, snap.Status.RunID)

	jobs := inv.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, status.RunID, jobs[0].RunID)
	assert.Equal(t, "a", jobs[0].Step.ScriptKey)
	assert.Equal(t, "t1", jobs[0].TenantID)
}

func TestController_StartConflict(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Start(ctx, "t1", "a")
	require.NoError(t, err)

	_, err = c.Start(ctx, "t1", "b")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestController_StartNotFound(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Start(ctx, "t1", "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Start(ctx, "missing", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestController_DispatchFailureIsTerminal(t *testing.T) {
	c, _, inv := newTestController(t)
	ctx := context.Background()
	inv.err = errors.New("broker down")

	status, err := c.Start(ctx, "t1", "a")
	assert.ErrorIs(t, err, ErrWorkerFailure)
	require.NotNil(t, status)
	assert.Equal(t, domain.StatusError, status.Status)
	assert.Contains(t, status.Message, "broker down")

	// Lock освобождён: следующий запуск возможен.
	inv.err = nil
	_, err = c.Start(ctx, "t1", "a")
	assert.NoError(t, err)
}

func TestController_ProgressIsIdempotent(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()

	status, err := c.Start(ctx, "t1", "a")
	require.NoError(t, err)
	require.NoError(t, c.MarkRunning(ctx, status.RunID))

	p := domain.Progress{Current: 5, Total: 10, ItemName: "Ana", Message: "processing Ana"}
	require.NoError(t, c.ReportProgress(ctx, status.RunID, p))
	first, err := store.GetRun(ctx, status.RunID)
	require.NoError(t, err)
	assert.Equal(t, 50, first.Progress)
	assert.Equal(t, domain.StatusRunning, first.Status)

	require.NoError(t, c.ReportProgress(ctx, status.RunID, p))
	second, err := store.GetRun(ctx, status.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.Logs, second.Logs)
	assert.Equal(t, 50, second.Progress)
}

func TestController_CompleteFlipsFlagAndIsWriteOnce(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()

	status, err := c.Start(ctx, "t1", "a")
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, status.RunID, domain.Result{Successes: 10}))

	snap, err := c.Status(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, snap.Scripts["a"])
	assert.Equal(t, domain.StatusCompleted, snap.Status.Status)
	require.NotNil(t, snap.Status.EndTime)

	before, err := store.GetRun(ctx, status.RunID)
	require.NoError(t, err)

	assert.ErrorIs(t, c.ReportProgress(ctx, status.RunID, domain.Progress{Current: 1, Total: 2}), ErrTerminal)
	assert.ErrorIs(t, c.Fail(ctx, status.RunID, "late", nil), ErrTerminal)
	assert.ErrorIs(t, c.Complete(ctx, status.RunID, domain.Result{}), ErrTerminal)
	assert.ErrorIs(t, c.MarkRunning(ctx, status.RunID), ErrTerminal)

	after, err := store.GetRun(ctx, status.RunID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestController_FailKeepsFlagFalse(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	status, err := c.Start(ctx, "t1", "b")
	require.NoError(t, err)
	require.NoError(t, c.Fail(ctx, status.RunID, "worker crashed", []domain.Entry{{Message: "item 7 failed", Timestamp: time.Now()}}))

	snap, err := c.Status(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, snap.Scripts["b"])
	assert.Equal(t, domain.StatusError, snap.Status.Status)
	assert.Equal(t, "worker crashed", snap.Status.Message)
	require.Len(t, snap.Status.Errors, 2)
	assert.Equal(t, "item 7 failed", snap.Status.Errors[0].Message)
}

func TestController_StopIsCooperative(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	stopped, err := c.RequestStop(ctx, "t1", "c")
	require.NoError(t, err)
	assert.False(t, stopped, "nothing active is a no-op success")

	status, err := c.Start(ctx, "t1", "c")
	require.NoError(t, err)
	require.NoError(t, c.ReportProgress(ctx, status.RunID, domain.Progress{Current: 1, Total: 4}))

	stopped, err = c.RequestStop(ctx, "t1", "c")
	require.NoError(t, err)
	assert.True(t, stopped)

	// Запрос не завершает шаг сам по себе.
	snap, err := c.Status(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, snap.Status.IsActive())

	err = c.ReportProgress(ctx, status.RunID, domain.Progress{Current: 2, Total: 4})
	assert.ErrorIs(t, err, ErrStopRequested)

	require.NoError(t, c.Stopped(ctx, status.RunID, nil))
	snap, err = c.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, snap.Status.Status)
	assert.True(t, snap.Status.Stopped)
	assert.Contains(t, snap.Status.Message, "stopped")
	assert.False(t, snap.Scripts["c"])
	assert.Equal(t, 2, snap.Status.Current, "progress before stop is preserved")
}

func TestController_StopAfterCompletionHasNoEffect(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()

	status, err := c.Start(ctx, "t1", "a")
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, status.RunID, domain.Result{}))
	before, err := store.Snapshot(ctx, "t1")
	require.NoError(t, err)

	stopped, err := c.RequestStop(ctx, "t1", "a")
	require.NoError(t, err)
	assert.False(t, stopped)

	after, err := store.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestController_TimedOut(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	status, err := c.Start(ctx, "t1", "a")
	require.NoError(t, err)
	require.NoError(t, c.TimedOut(ctx, status.RunID, 15*time.Minute))

	run, err := c.Run(ctx, status.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, run.Status)
	assert.Equal(t, "step timed out after 15m0s", run.Message)
}

func TestController_ReportTenantProgress(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	err := c.ReportTenantProgress(ctx, "t1", domain.Progress{Current: 1, Total: 2})
	assert.ErrorIs(t, err, ErrNotFound)

	status, err := c.Start(ctx, "t1", "a")
	require.NoError(t, err)
	require.NoError(t, c.ReportTenantProgress(ctx, "t1", domain.Progress{Current: 1, Total: 2}))

	run, err := c.Run(ctx, status.RunID)
	require.NoError(t, err)
	assert.Equal(t, 50, run.Progress)
}

func TestController_StatusFillsRegistryKeys(t *testing.T) {
	c, _, _ := newTestController(t)

	snap, err := c.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, snap.Found)
	assert.Equal(t, domain.ScriptsStatus{"a": false, "b": false, "c": false}, snap.Scripts)

	_, err = c.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestController_ResetAndCreateTenant(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.CreateTenant(ctx, "t1", "dup"), ErrConflict)

	status, err := c.Start(ctx, "t1", "a")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Reset(ctx, "t1"), ErrConflict)

	require.NoError(t, c.Complete(ctx, status.RunID, domain.Result{}))
	require.NoError(t, c.Reset(ctx, "t1"))

	snap, err := c.Status(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, snap.Scripts["a"])
	assert.False(t, snap.Found)
}

func TestController_ConcurrentStartsAdmitOne(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	var ok, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Start(ctx, "t1", "a")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(19), conflicts.Load())
}

func TestError_Format(t *testing.T) {
	err := &Error{Kind: KindConflict, Op: "start", TenantID: "t1", ScriptKey: "a", Err: repo.ErrConflict}
	assert.Equal(t, "start: conflict (tenant t1, step a): conflict: step already active", err.Error())
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, repo.ErrConflict)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, KindTimeout, KindOf(ErrTimeout))
}

// stopOnReadStore запрашивает остановку сразу после первого GetRun, как
// если бы оператор нажал «стоп» в другом процессе посреди записи прогресса.
type stopOnReadStore struct {
	repo.Store
	once sync.Once
}

func (s *stopOnReadStore) GetRun(ctx context.Context, runID uuid.UUID) (*domain.ExecutionStatus, error) {
	run, err := s.Store.GetRun(ctx, runID)
	if err == nil {
		s.once.Do(func() { _, _ = s.Store.RequestStop(ctx, run.TenantID, run.ScriptKey) })
	}
	return run, err
}

func TestController_ProgressKeepsConcurrentStopLog(t *testing.T) {
	starter, store, _ := newTestController(t)
	ctx := context.Background()

	run, err := starter.Start(ctx, "t1", "a")
	require.NoError(t, err)

	c := New(Config{Store: &stopOnReadStore{Store: store}})

	require.NoError(t, c.ReportProgress(ctx, run.RunID, domain.Progress{Current: 1, Total: 2, Message: "item 1"}))

	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, got.StopRequested)

	var msgs []string
	for _, l := range got.Logs {
		msgs = append(msgs, l.Message)
	}
	assert.Contains(t, msgs, repo.StopLogMessage)
	assert.Contains(t, msgs, "item 1")

	// Следующий отчёт видит флаг.
	err = c.ReportProgress(ctx, run.RunID, domain.Progress{Current: 2, Total: 2})
	assert.ErrorIs(t, err, ErrStopRequested)
}
