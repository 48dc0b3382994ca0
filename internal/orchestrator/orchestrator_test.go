package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/repo"
	"github.com/shaiso/Cascade/internal/steps"
)

var abc = []domain.CascadeStep{
	{ID: "1", ScriptKey: "a", Name: "A", Order: 1},
	{ID: "2", ScriptKey: "b", Name: "B", Order: 2},
	{ID: "3", ScriptKey: "c", Name: "C", Order: 3},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// behaviour решает судьбу задания. nil — шаг остаётся активным.
type behaviour func(c *execution.Controller, job execution.Job)

func complete(c *execution.Controller, job execution.Job) {
	_ = c.MarkRunning(context.Background(), job.RunID)
	_ = c.Complete(context.Background(), job.RunID, domain.Result{Successes: 1})
}

func failWith(msg string) behaviour {
	return func(c *execution.Controller, job execution.Job) {
		_ = c.MarkRunning(context.Background(), job.RunID)
		_ = c.Fail(context.Background(), job.RunID, msg, nil)
	}
}

// fakeInvoker исполняет задания по сценарию для каждого шага.
type fakeInvoker struct {
	controller *execution.Controller

	mu        sync.Mutex
	jobs      []execution.Job
	behaviour map[string]behaviour
	refuse    map[string]error
}

func (f *fakeInvoker) Dispatch(_ context.Context, job execution.Job) error {
	f.mu.Lock()
	if err := f.refuse[job.Step.ScriptKey]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.jobs = append(f.jobs, job)
	b := f.behaviour[job.Step.ScriptKey]
	f.mu.Unlock()

	if b != nil {
		go b(f.controller, job)
	}
	return nil
}

func (f *fakeInvoker) Dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.jobs))
	for _, j := range f.jobs {
		keys = append(keys, j.Step.ScriptKey)
	}
	return keys
}

func (f *fakeInvoker) Job(scriptKey string) (execution.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.Step.ScriptKey == scriptKey {
			return j, true
		}
	}
	return execution.Job{}, false
}

type fixture struct {
	controller *execution.Controller
	invoker    *fakeInvoker
	store      *repo.MemoryStore
}

func newFixture(t *testing.T, list []domain.CascadeStep, behaviours map[string]behaviour) *fixture {
	t.Helper()

	store := repo.NewMemoryStore()
	inv := &fakeInvoker{behaviour: behaviours, refuse: map[string]error{}}
	c := execution.New(execution.Config{
		Store:   store,
		Steps:   steps.MustRegistry(list),
		Invoker: inv,
		Logger:  quietLogger(),
	})
	inv.controller = c
	require.NoError(t, c.CreateTenant(context.Background(), "acme", "Acme"))

	return &fixture{controller: c, invoker: inv, store: store}
}

func (f *fixture) sequencer(maxWait time.Duration, onUpdate func(Report)) *Sequencer {
	return NewSequencer(SequencerConfig{
		Controller:   f.controller,
		PollInterval: 5 * time.Millisecond,
		SettleDelay:  -1,
		MaxWait:      maxWait,
		OnUpdate:     onUpdate,
		Logger:       quietLogger(),
	})
}

func (f *fixture) scripts(t *testing.T) domain.ScriptsStatus {
	t.Helper()
	snap, err := f.controller.Status(context.Background(), "acme")
	require.NoError(t, err)
	return snap.Scripts
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSequencer_RunsAllSteps(t *testing.T) {
	f := newFixture(t, abc, map[string]behaviour{"a": complete, "b": complete, "c": complete})

	report, err := f.sequencer(time.Second, nil).Run(testContext(t), "acme")
	require.NoError(t, err)

	assert.Equal(t, CascadeCompleted, report.State)
	assert.True(t, report.Finished())
	assert.Equal(t, 3, report.Completed)
	assert.Equal(t, 100, report.Progress)
	assert.Equal(t, []string{"a", "b", "c"}, report.Started)
	assert.Equal(t, []string{"a", "b", "c"}, f.invoker.Dispatched())
	assert.NotNil(t, report.EndedAt)
}

func TestSequencer_AttachesToActiveStep(t *testing.T) {
	f := newFixture(t, abc, map[string]behaviour{"b": complete, "c": complete})
	ctx := testContext(t)

	// Шаг A уже идёт и отчитался о половине работы
	runA, err := f.controller.Start(ctx, "acme", "a")
	require.NoError(t, err)
	require.NoError(t, f.controller.ReportProgress(ctx, runA.RunID, domain.Progress{Current: 2, Total: 4}))

	snap, err := f.controller.Status(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 50, snap.Status.Progress)

	var (
		mu      sync.Mutex
		waiting bool
	)
	seq := f.sequencer(time.Second, func(r Report) {
		mu.Lock()
		defer mu.Unlock()
		if r.CurrentStep == "a" {
			waiting = true
		}
	})

	done := make(chan Report, 1)
	go func() {
		report, err := seq.Run(ctx, "acme")
		assert.NoError(t, err)
		done <- report
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return waiting
	}, 5*time.Second, 5*time.Millisecond)

	// Пока A активен, B не запускается
	assert.Equal(t, []string{"a"}, f.invoker.Dispatched())

	require.NoError(t, f.controller.Complete(ctx, runA.RunID, domain.Result{Successes: 4}))

	report := <-done
	assert.Equal(t, CascadeCompleted, report.State)
	assert.Equal(t, []string{"b", "c"}, report.Started)
	assert.Equal(t, []string{"a", "b", "c"}, f.invoker.Dispatched())
}

func TestSequencer_SkipsCompletedSteps(t *testing.T) {
	f := newFixture(t, abc, map[string]behaviour{"a": complete, "b": complete, "c": complete})
	ctx := testContext(t)

	_, err := f.controller.Start(ctx, "acme", "a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.scripts(t)["a"] }, 5*time.Second, 5*time.Millisecond)

	report, err := f.sequencer(time.Second, nil).Run(ctx, "acme")
	require.NoError(t, err)

	assert.Equal(t, CascadeCompleted, report.State)
	assert.Equal(t, []string{"b", "c"}, report.Started)
	assert.Equal(t, []string{"a", "b", "c"}, f.invoker.Dispatched())
}

func TestSequencer_HaltsOnFailedStep(t *testing.T) {
	f := newFixture(t, abc, map[string]behaviour{
		"a": complete,
		"b": failWith("worker crashed"),
		"c": complete,
	})

	report, err := f.sequencer(time.Second, nil).Run(testContext(t), "acme")
	require.NoError(t, err)

	assert.Equal(t, CascadeFailed, report.State)
	assert.False(t, report.Finished())
	assert.Equal(t, "b", report.FailedStep)
	assert.Equal(t, "worker crashed", report.Message)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 33, report.Progress)

	assert.Equal(t, []string{"a", "b"}, f.invoker.Dispatched())
	scripts := f.scripts(t)
	assert.True(t, scripts["a"])
	assert.False(t, scripts["b"])
	assert.False(t, scripts["c"])
}

func TestSequencer_RerunResumesFromFailedStep(t *testing.T) {
	f := newFixture(t, abc, map[string]behaviour{
		"a": complete,
		"b": failWith("worker crashed"),
		"c": complete,
	})
	ctx := testContext(t)

	report, err := f.sequencer(time.Second, nil).Run(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, CascadeFailed, report.State)

	f.invoker.mu.Lock()
	f.invoker.behaviour["b"] = complete
	f.invoker.mu.Unlock()

	report, err = f.sequencer(time.Second, nil).Run(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, CascadeCompleted, report.State)
	assert.Equal(t, []string{"b", "c"}, report.Started)
}

func TestSequencer_StopWhileRunning(t *testing.T) {
	f := newFixture(t, abc, map[string]behaviour{"a": complete, "b": complete})
	ctx := testContext(t)

	done := make(chan Report, 1)
	go func() {
		report, err := f.sequencer(time.Second*5, nil).Run(ctx, "acme")
		assert.NoError(t, err)
		done <- report
	}()

	var job execution.Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = f.invoker.Job("c")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	stopped, err := f.controller.RequestStop(ctx, "acme", "c")
	require.NoError(t, err)
	require.True(t, stopped)

	// Воркер видит флаг на следующем отчёте и выходит
	err = f.controller.ReportProgress(ctx, job.RunID, domain.Progress{Current: 1, Total: 10})
	require.ErrorIs(t, err, execution.ErrStopRequested)
	require.NoError(t, f.controller.Stopped(ctx, job.RunID, nil))

	report := <-done
	assert.Equal(t, CascadeFailed, report.State)
	assert.Equal(t, "c", report.FailedStep)
	assert.Equal(t, "stopped by operator request", report.Message)

	scripts := f.scripts(t)
	assert.True(t, scripts["a"])
	assert.True(t, scripts["b"])
	assert.False(t, scripts["c"])

	run, err := f.controller.Run(ctx, job.RunID)
	require.NoError(t, err)
	assert.True(t, run.Stopped)
	assert.Equal(t, domain.StatusError, run.Status)
}

func TestSequencer_EmptyRegistry(t *testing.T) {
	f := newFixture(t, nil, nil)

	report, err := f.sequencer(time.Second, nil).Run(testContext(t), "acme")
	require.NoError(t, err)
	assert.Equal(t, CascadeCompleted, report.State)
	assert.Equal(t, 100, report.Progress)
	assert.Equal(t, 0, report.Total)
	assert.Empty(t, f.invoker.Dispatched())
}

func TestSequencer_WaitsForForeignStep(t *testing.T) {
	f := newFixture(t, abc, map[string]behaviour{"a": complete, "c": complete})
	ctx := testContext(t)

	// B запущен вручную вне порядка каскада
	runB, err := f.controller.Start(ctx, "acme", "b")
	require.NoError(t, err)

	done := make(chan Report, 1)
	go func() {
		report, err := f.sequencer(5*time.Second, nil).Run(ctx, "acme")
		assert.NoError(t, err)
		done <- report
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"b"}, f.invoker.Dispatched())

	require.NoError(t, f.controller.Complete(ctx, runB.RunID, domain.Result{}))

	report := <-done
	assert.Equal(t, CascadeCompleted, report.State)
	assert.Equal(t, []string{"a", "c"}, report.Started)
}

func TestSequencer_TimeoutFailsStep(t *testing.T) {
	f := newFixture(t, abc, nil)
	ctx := testContext(t)

	report, err := f.sequencer(50*time.Millisecond, nil).Run(ctx, "acme")
	require.NoError(t, err)

	assert.Equal(t, CascadeFailed, report.State)
	assert.Equal(t, "a", report.FailedStep)
	assert.Equal(t, execution.TimeoutMessage(50*time.Millisecond), report.Message)

	job, ok := f.invoker.Job("a")
	require.True(t, ok)
	run, err := f.controller.Run(ctx, job.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, run.Status)
	assert.Equal(t, report.Message, run.Message)
	assert.False(t, f.scripts(t)["a"])
}

func TestSequencer_DispatchFailureHalts(t *testing.T) {
	f := newFixture(t, abc, map[string]behaviour{"a": complete})
	f.invoker.refuse["b"] = errors.New("broker unreachable")

	report, err := f.sequencer(time.Second, nil).Run(testContext(t), "acme")
	require.NoError(t, err)

	assert.Equal(t, CascadeFailed, report.State)
	assert.Equal(t, "b", report.FailedStep)
	assert.Contains(t, report.Message, "broker unreachable")
}

func TestSequencer_UnknownTenant(t *testing.T) {
	f := newFixture(t, abc, nil)

	report, err := f.sequencer(time.Second, nil).Run(testContext(t), "ghost")
	assert.ErrorIs(t, err, execution.ErrNotFound)
	assert.Equal(t, CascadeFailed, report.State)
}

func TestSequencer_ContextCancel(t *testing.T) {
	f := newFixture(t, abc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	report, err := f.sequencer(5*time.Second, nil).Run(ctx, "acme")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CascadeCancelled, report.State)
}

func TestOrchestrator_OneCascadePerTenant(t *testing.T) {
	f := newFixture(t, abc, nil)
	o := New(Config{
		Controller:   f.controller,
		PollInterval: 5 * time.Millisecond,
		SettleDelay:  -1,
		MaxWait:      5 * time.Second,
		Logger:       quietLogger(),
	})
	t.Cleanup(o.Stop)
	ctx := testContext(t)

	report, err := o.StartCascade(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, CascadeRunning, report.State)

	_, err = o.StartCascade(ctx, "acme")
	assert.ErrorIs(t, err, ErrCascadeActive)

	require.Eventually(t, func() bool {
		r, err := o.CascadeState("acme")
		return err == nil && r.CurrentStep == "a"
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, o.Active())

	assert.True(t, o.CancelCascade("acme"))
	require.Eventually(t, func() bool {
		r, _ := o.CascadeState("acme")
		return r.State == CascadeCancelled
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, o.CancelCascade("acme"))

	// Шаг A остаётся активным: отмена секвенсора не останавливает воркер
	snap, err := f.controller.Status(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarting, snap.State())
}

func TestOrchestrator_CompletesCascade(t *testing.T) {
	f := newFixture(t, abc, map[string]behaviour{"a": complete, "b": complete, "c": complete})
	o := New(Config{Controller: f.controller, PollInterval: 5 * time.Millisecond, SettleDelay: -1, Logger: quietLogger()})
	t.Cleanup(o.Stop)

	_, err := o.StartCascade(testContext(t), "acme")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, _ := o.CascadeState("acme")
		return r.Finished()
	}, 5*time.Second, 5*time.Millisecond)

	r, err := o.CascadeState("acme")
	require.NoError(t, err)
	assert.Equal(t, 100, r.Progress)
	assert.Equal(t, 0, o.Active())

	// После завершения можно запустить снова
	_, err = o.StartCascade(testContext(t), "acme")
	assert.NoError(t, err)
}

func TestOrchestrator_Errors(t *testing.T) {
	f := newFixture(t, abc, nil)
	o := New(Config{Controller: f.controller, Logger: quietLogger()})

	_, err := o.StartCascade(context.Background(), "ghost")
	assert.ErrorIs(t, err, execution.ErrNotFound)

	_, err = o.CascadeState("acme")
	assert.ErrorIs(t, err, ErrCascadeNotFound)
	assert.False(t, o.CancelCascade("acme"))

	o.Stop()
	assert.True(t, o.IsStopped())
	_, err = o.StartCascade(context.Background(), "acme")
	assert.ErrorIs(t, err, ErrOrchestratorStopped)
}

func TestReport_CloneIsolatesSlices(t *testing.T) {
	now := time.Now()
	r := Report{Started: []string{"a"}, EndedAt: &now}
	c := r.clone()
	c.Started[0] = "z"
	*c.EndedAt = now.Add(time.Hour)

	assert.Equal(t, "a", r.Started[0])
	assert.Equal(t, now, *r.EndedAt)
}
