package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/repo"
)

// scriptedSource отдаёт заранее заданную последовательность ответов;
// последний ответ повторяется.
type scriptedSource struct {
	mu    sync.Mutex
	steps []func() (domain.Snapshot, error)
	calls int
}

func (s *scriptedSource) Snapshot(context.Context, string) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.steps)-1)
	s.calls++
	return s.steps[i]()
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func snapshotWith(runID uuid.UUID, status domain.Status) func() (domain.Snapshot, error) {
	return func() (domain.Snapshot, error) {
		return domain.Snapshot{
			Found:  true,
			Status: &domain.ExecutionStatus{RunID: runID, Status: status},
		}, nil
	}
}

func unavailable() (domain.Snapshot, error) {
	return domain.Snapshot{}, fmt.Errorf("snapshot: %w", repo.ErrUnavailable)
}

func TestWaitTerminal_ReturnsFinalStatus(t *testing.T) {
	runID := uuid.New()
	src := &scriptedSource{steps: []func() (domain.Snapshot, error){
		snapshotWith(runID, domain.StatusStarting),
		snapshotWith(runID, domain.StatusRunning),
		snapshotWith(runID, domain.StatusCompleted),
	}}

	status, err := WaitTerminal(context.Background(), src, "acme", runID, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, status.Status)
	assert.Equal(t, 3, src.Calls())
}

func TestWaitTerminal_UnavailableIsRetried(t *testing.T) {
	runID := uuid.New()
	src := &scriptedSource{steps: []func() (domain.Snapshot, error){
		unavailable,
		unavailable,
		snapshotWith(runID, domain.StatusError),
	}}

	status, err := WaitTerminal(context.Background(), src, "acme", runID, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, status.Status)
}

func TestWaitTerminal_PermanentErrorStops(t *testing.T) {
	src := &scriptedSource{steps: []func() (domain.Snapshot, error){
		func() (domain.Snapshot, error) { return domain.Snapshot{}, repo.ErrNotFound },
	}}

	_, err := WaitTerminal(context.Background(), src, "ghost", uuid.New(), time.Millisecond, time.Second)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWaitTerminal_Timeout(t *testing.T) {
	runID := uuid.New()
	src := &scriptedSource{steps: []func() (domain.Snapshot, error){
		snapshotWith(runID, domain.StatusRunning),
	}}

	status, err := WaitTerminal(context.Background(), src, "acme", runID, 5*time.Millisecond, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	require.NotNil(t, status)
	assert.Equal(t, domain.StatusRunning, status.Status)
}

func TestWaitTerminal_ContextCancel(t *testing.T) {
	runID := uuid.New()
	src := &scriptedSource{steps: []func() (domain.Snapshot, error){
		snapshotWith(runID, domain.StatusRunning),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := WaitTerminal(ctx, src, "acme", runID, 5*time.Millisecond, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestWaitTerminal_Superseded(t *testing.T) {
	src := &scriptedSource{steps: []func() (domain.Snapshot, error){
		snapshotWith(uuid.New(), domain.StatusRunning),
	}}

	_, err := WaitTerminal(context.Background(), src, "acme", uuid.New(), time.Millisecond, time.Second)
	assert.ErrorIs(t, err, ErrSuperseded)
}

type runSource struct {
	scriptedSource
	run *domain.ExecutionStatus
}

func (r *runSource) Run(context.Context, uuid.UUID) (*domain.ExecutionStatus, error) {
	return r.run, nil
}

func TestWaitTerminal_SupersededReadsRun(t *testing.T) {
	runID := uuid.New()
	src := &runSource{
		scriptedSource: scriptedSource{steps: []func() (domain.Snapshot, error){
			snapshotWith(uuid.New(), domain.StatusStarting),
		}},
		run: &domain.ExecutionStatus{RunID: runID, Status: domain.StatusCompleted},
	}

	status, err := WaitTerminal(context.Background(), src, "acme", runID, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, runID, status.RunID)
}

func TestWaitTerminal_AgainstMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	require.NoError(t, store.CreateTenant(ctx, "acme", "Acme", []string{"bios"}))

	run := domain.NewExecutionStatus("acme", domain.CascadeStep{ScriptKey: "bios", Name: "Bios"}, time.Now())
	require.NoError(t, store.Begin(ctx, run))

	go func() {
		time.Sleep(20 * time.Millisecond)
		run.MarkCompleted(domain.Result{Successes: 1}, time.Now())
		_ = store.Finish(ctx, run, true)
	}()

	status, err := WaitTerminal(ctx, store, "acme", run.RunID, 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, status.Status)
}

func TestIsStale(t *testing.T) {
	now := time.Now()

	running := &domain.ExecutionStatus{Status: domain.StatusRunning, UpdatedAt: now.Add(-10 * time.Minute)}
	assert.True(t, IsStale(running, now, 5*time.Minute))
	assert.False(t, IsStale(running, now, 15*time.Minute))

	starting := &domain.ExecutionStatus{Status: domain.StatusStarting, StartTime: now.Add(-time.Hour)}
	assert.True(t, IsStale(starting, now, time.Minute))

	done := &domain.ExecutionStatus{Status: domain.StatusCompleted, UpdatedAt: now.Add(-time.Hour)}
	assert.False(t, IsStale(done, now, time.Minute))
	assert.False(t, IsStale(nil, now, time.Minute))
}

func TestChanged(t *testing.T) {
	runID := uuid.New()
	base := domain.Snapshot{
		Found:   true,
		Status:  &domain.ExecutionStatus{RunID: runID, Status: domain.StatusRunning, Progress: 10},
		Scripts: domain.ScriptsStatus{"a": false},
	}

	same := base
	same.Status = base.Status.Clone()
	same.Scripts = base.Scripts.Clone()
	assert.False(t, Changed(base, same))

	progressed := same
	progressed.Status = base.Status.Clone()
	progressed.Status.Progress = 20
	assert.True(t, Changed(base, progressed))

	flagged := same
	flagged.Scripts = domain.ScriptsStatus{"a": true}
	assert.True(t, Changed(base, flagged))

	idle := domain.Snapshot{Found: true, Scripts: base.Scripts}
	assert.True(t, Changed(base, idle))
	assert.False(t, Changed(idle, idle))
}

func TestPoller_ReportsOnlyChanges(t *testing.T) {
	runID := uuid.New()
	src := &scriptedSource{steps: []func() (domain.Snapshot, error){
		func() (domain.Snapshot, error) { return domain.Snapshot{Found: true}, nil },
		snapshotWith(runID, domain.StatusRunning),
		snapshotWith(runID, domain.StatusRunning),
		unavailable,
		snapshotWith(runID, domain.StatusRunning),
		snapshotWith(runID, domain.StatusCompleted),
	}}

	var (
		mu      sync.Mutex
		states  []domain.Status
		errSeen []error
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(Config{
		Source:   src,
		TenantID: "acme",
		Interval: time.Millisecond,
		OnChange: func(prev, cur domain.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, cur.State())
			if cur.State().IsTerminal() {
				cancel()
			}
		},
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			errSeen = append(errSeen, err)
		},
	})

	err := p.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.Status{domain.StatusIdle, domain.StatusRunning, domain.StatusCompleted}, states)
	require.Len(t, errSeen, 1)
	assert.ErrorIs(t, errSeen[0], repo.ErrUnavailable)
}
