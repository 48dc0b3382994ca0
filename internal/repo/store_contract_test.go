package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Cascade/internal/domain"
)

var contractKeys = []string{"a", "b", "c"}

func newRun(tenantID, key string, start time.Time) *domain.ExecutionStatus {
	return domain.NewExecutionStatus(tenantID, domain.CascadeStep{ScriptKey: key, Name: "Step " + key}, start)
}

// runStoreContract проверяет поведение, общее для всех реализаций Store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	setup := func(t *testing.T) Store {
		t.Helper()
		s := newStore(t)
		require.NoError(t, s.CreateTenant(ctx, "t1", "Tenant One", contractKeys))
		return s
	}

	t.Run("create tenant and empty snapshot", func(t *testing.T) {
		s := setup(t)

		snap, err := s.Snapshot(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, snap.Found)
		assert.Nil(t, snap.Status)
		assert.Equal(t, domain.StatusIdle, snap.State())
		assert.Equal(t, domain.ScriptsStatus{"a": false, "b": false, "c": false}, snap.Scripts)

		err = s.CreateTenant(ctx, "t1", "again", contractKeys)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		_, err = s.Snapshot(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("begin is compare-and-set", func(t *testing.T) {
		s := setup(t)
		now := time.Now()

		first := newRun("t1", "a", now)
		require.NoError(t, s.Begin(ctx, first))

		snap, err := s.Snapshot(ctx, "t1")
		require.NoError(t, err)
		require.True(t, snap.Found)
		assert.Equal(t, first.RunID, snap.Status.RunID)
		assert.Equal(t, domain.StatusStarting, snap.Status.Status)

		second := newRun("t1", "b", now.Add(time.Second))
		assert.ErrorIs(t, s.Begin(ctx, second), ErrConflict)

		first.MarkCompleted(domain.Result{Successes: 1}, now.Add(time.Second))
		require.NoError(t, s.Finish(ctx, first, true))

		require.NoError(t, s.Begin(ctx, second))
		snap, err = s.Snapshot(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, second.RunID, snap.Status.RunID)
		assert.True(t, snap.Scripts["a"])
		assert.False(t, snap.Scripts["b"])

		runs, err := s.ListRuns(ctx, "t1", 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, second.RunID, runs[0].RunID)
	})

	t.Run("begin unknown tenant", func(t *testing.T) {
		s := setup(t)
		assert.ErrorIs(t, s.Begin(ctx, newRun("missing", "a", time.Now())), ErrNotFound)
	})

	t.Run("update and read back", func(t *testing.T) {
		s := setup(t)
		now := time.Now()
		run := newRun("t1", "a", now)
		require.NoError(t, s.Begin(ctx, run))

		run.ApplyProgress(domain.Progress{Current: 5, Total: 10, ItemName: "Ana", Message: "processing Ana"}, now)
		require.NoError(t, s.Update(ctx, run))

		got, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, got.Status)
		assert.Equal(t, 50, got.Progress)
		assert.Equal(t, 5, got.Current)
		assert.Equal(t, 10, got.Total)
		assert.Equal(t, "Ana", got.ItemName)
		assert.Equal(t, "processing Ana", got.Message)
		assert.WithinDuration(t, now, got.StartTime, time.Millisecond)
		assert.Nil(t, got.EndTime)
		require.NotEmpty(t, got.Logs)
		assert.Equal(t, "processing Ana", got.Logs[len(got.Logs)-1].Message)

		_, err = s.GetRun(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Update(ctx, newRun("t1", "a", now)), ErrNotFound)
	})

	t.Run("terminal state is write-once", func(t *testing.T) {
		s := setup(t)
		now := time.Now()
		run := newRun("t1", "b", now)
		require.NoError(t, s.Begin(ctx, run))

		run.MarkFailed("worker crashed", nil, now.Add(time.Second))
		require.NoError(t, s.Finish(ctx, run, false))

		late := run.Clone()
		late.Status = domain.StatusRunning
		late.Message = "late progress"
		assert.ErrorIs(t, s.Update(ctx, late), ErrInvalidState)
		assert.ErrorIs(t, s.Finish(ctx, late, true), ErrInvalidState)

		got, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusError, got.Status)
		assert.Equal(t, "worker crashed", got.Message)
		require.NotNil(t, got.EndTime)
		require.Len(t, got.Errors, 1)

		snap, err := s.Snapshot(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, snap.Scripts["b"])
	})

	t.Run("stop flag", func(t *testing.T) {
		s := setup(t)
		now := time.Now()

		stopped, err := s.RequestStop(ctx, "t1", "")
		require.NoError(t, err)
		assert.False(t, stopped, "nothing active")

		run := newRun("t1", "c", now)
		require.NoError(t, s.Begin(ctx, run))

		stopped, err = s.RequestStop(ctx, "t1", "a")
		require.NoError(t, err)
		assert.False(t, stopped, "other step key")

		stopped, err = s.RequestStop(ctx, "t1", "c")
		require.NoError(t, err)
		assert.True(t, stopped)

		requested, err := s.StopRequested(ctx, run.RunID)
		require.NoError(t, err)
		assert.True(t, requested)

		logged, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Contains(t, logMessages(logged), StopLogMessage)

		// Update не сбрасывает флаг, даже если пишущий его не видел.
		run.ApplyProgress(domain.Progress{Current: 1, Total: 2}, now)
		require.NoError(t, s.Update(ctx, run))
		requested, err = s.StopRequested(ctx, run.RunID)
		require.NoError(t, err)
		assert.True(t, requested)
		logged, err = s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Contains(t, logMessages(logged), StopLogMessage)

		stopped, err = s.RequestStop(ctx, "t1", "c")
		require.NoError(t, err)
		assert.True(t, stopped, "repeated request is still success")

		got, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.True(t, got.StopRequested)

		got.MarkStopped(nil, now.Add(time.Second))
		require.NoError(t, s.Finish(ctx, got, false))

		stopped, err = s.RequestStop(ctx, "t1", "c")
		require.NoError(t, err)
		assert.False(t, stopped, "late signal discarded")

		_, err = s.StopRequested(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.RequestStop(ctx, "missing", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stale write keeps stop log", func(t *testing.T) {
		s := setup(t)
		now := time.Now()

		run := newRun("t1", "a", now)
		require.NoError(t, s.Begin(ctx, run))

		// Воркер прочитал запуск, затем оператор запросил остановку.
		read, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		stopped, err := s.RequestStop(ctx, "t1", "a")
		require.NoError(t, err)
		require.True(t, stopped)

		read.ApplyProgress(domain.Progress{Current: 1, Total: 3, Message: "item 1"}, now.Add(time.Second))
		require.NoError(t, s.Update(ctx, read))

		got, err := s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.True(t, got.StopRequested)
		msgs := logMessages(got)
		require.Len(t, msgs, 3)
		assert.Equal(t, []string{StopLogMessage, "item 1"}, msgs[1:])

		// Финальная запись тоже построена на устаревшем чтении.
		read.MarkFailed("worker crashed", nil, now.Add(2*time.Second))
		require.NoError(t, s.Finish(ctx, read, false))

		got, err = s.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Contains(t, logMessages(got), StopLogMessage)
		assert.Equal(t, "worker crashed", got.Message)
	})

	t.Run("list active", func(t *testing.T) {
		s := setup(t)
		require.NoError(t, s.CreateTenant(ctx, "t2", "", contractKeys))
		now := time.Now()

		old := newRun("t1", "a", now.Add(-time.Hour))
		fresh := newRun("t2", "a", now)
		require.NoError(t, s.Begin(ctx, old))
		require.NoError(t, s.Begin(ctx, fresh))

		active, err := s.ListActive(ctx, now.Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, old.RunID, active[0].RunID)

		active, err = s.ListActive(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, active, 2)
	})

	t.Run("reset", func(t *testing.T) {
		s := setup(t)
		now := time.Now()
		run := newRun("t1", "a", now)
		require.NoError(t, s.Begin(ctx, run))

		assert.ErrorIs(t, s.Reset(ctx, "t1", contractKeys), ErrConflict)

		run.MarkCompleted(domain.Result{}, now)
		require.NoError(t, s.Finish(ctx, run, true))

		require.NoError(t, s.Reset(ctx, "t1", contractKeys))
		snap, err := s.Snapshot(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, snap.Found)
		assert.False(t, snap.Scripts["a"])

		// История сохраняется.
		runs, err := s.ListRuns(ctx, "t1", 0)
		require.NoError(t, err)
		assert.Len(t, runs, 1)

		assert.ErrorIs(t, s.Reset(ctx, "missing", contractKeys), ErrNotFound)
	})
}

func logMessages(run *domain.ExecutionStatus) []string {
	out := make([]string, len(run.Logs))
	for i, l := range run.Logs {
		out[i] = l.Message
	}
	return out
}
