package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Cascade/internal/api"
	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/poller"
	"github.com/shaiso/Cascade/internal/repo"
	"github.com/shaiso/Cascade/internal/steps"
)

var testSteps = []domain.CascadeStep{
	{ID: "1", ScriptKey: "personas", Name: "Personas", Order: 1},
	{ID: "2", ScriptKey: "bios", Name: "Bios", Order: 2},
}

type jobs struct {
	mu   sync.Mutex
	list []execution.Job
}

func (j *jobs) Dispatch(_ context.Context, job execution.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.list = append(j.list, job)
	return nil
}

func (j *jobs) last() execution.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.list[len(j.list)-1]
}

// newAPI поднимает настоящий API поверх MemoryStore.
func newAPI(t *testing.T) (*Client, *execution.Controller, *jobs) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv := &jobs{}
	controller := execution.New(execution.Config{
		Store:   repo.NewMemoryStore(),
		Steps:   steps.MustRegistry(testSteps),
		Invoker: inv,
		Logger:  logger,
	})
	require.NoError(t, controller.CreateTenant(context.Background(), "acme", "Acme"))

	mux := http.NewServeMux()
	api.NewHandler(api.Config{Controller: controller, Logger: logger}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL), controller, inv
}

func TestClient_SnapshotIdle(t *testing.T) {
	client, _, _ := newAPI(t)

	snap, err := client.Snapshot(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, snap.Found)
	assert.Equal(t, domain.StatusIdle, snap.State())
	assert.Equal(t, domain.ScriptsStatus{"personas": false, "bios": false}, snap.Scripts)
}

func TestClient_RunAndWait(t *testing.T) {
	client, controller, inv := newAPI(t)
	ctx := context.Background()

	run, err := client.RunScript(ctx, "acme", "personas")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarting, run.Status)
	assert.Equal(t, inv.last().RunID, run.RunID)

	_, err = client.RunScript(ctx, "acme", "bios")
	assert.ErrorIs(t, err, repo.ErrConflict)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = controller.ReportProgress(ctx, run.RunID, domain.Progress{Current: 5, Total: 10})
		time.Sleep(20 * time.Millisecond)
		_ = controller.Complete(ctx, run.RunID, domain.Result{Successes: 10})
	}()

	final, err := poller.WaitTerminal(ctx, client, "acme", run.RunID, 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 10, final.Successes)

	snap, err := client.Snapshot(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, snap.Scripts["personas"])

	got, err := client.Run(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	runs, err := client.Runs(ctx, "acme", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestClient_StopScript(t *testing.T) {
	client, _, _ := newAPI(t)
	ctx := context.Background()

	stopped, err := client.StopScript(ctx, "acme", "personas")
	require.NoError(t, err)
	assert.False(t, stopped)

	_, err = client.RunScript(ctx, "acme", "personas")
	require.NoError(t, err)

	stopped, err = client.StopScript(ctx, "acme", "personas")
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestClient_ErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "down"):
			api.Unavailable(w, "status store unavailable, retry later")
		case strings.Contains(r.URL.Path, "ghost"):
			api.NotFound(w, "tenant not found")
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	ctx := context.Background()

	_, err := client.Snapshot(ctx, "down")
	assert.ErrorIs(t, err, repo.ErrUnavailable)
	assert.True(t, poller.Transient(err))
	assert.True(t, IsUnavailable(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "UNAVAILABLE", apiErr.Code)

	_, err = client.Snapshot(ctx, "ghost")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.False(t, poller.Transient(err))

	_, err = client.Snapshot(ctx, "other")
	require.Error(t, err)
	assert.Equal(t, "API error: HTTP 418", err.Error())
}

func TestClient_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewClient(addr).Snapshot(context.Background(), "acme")
	assert.True(t, poller.Transient(err))
}

func TestClient_RunScriptDispatchFailure(t *testing.T) {
	runID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.JSON(w, http.StatusBadGateway, api.DataResponse{Data: map[string]any{
			"success": false,
			"status":  map[string]any{"runId": runID, "status": "error", "message": "dispatch failed: broker down"},
		}})
	}))
	defer srv.Close()

	run, err := NewClient(srv.URL).RunScript(context.Background(), "acme", "personas")
	require.Error(t, err)
	assert.ErrorIs(t, err, repo.ErrUnavailable)
	require.NotNil(t, run)
	assert.Equal(t, runID, run.RunID)
	assert.Equal(t, "dispatch failed: broker down", run.Message)
}

func execute(cmd *cobra.Command, args ...string) error {
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd.ExecuteContext(context.Background())
}

func TestCommands(t *testing.T) {
	client, controller, _ := newAPI(t)
	var stdout, stderr bytes.Buffer

	clientFn := func() *Client { return client }
	textOut := func() *Output { return NewOutputTo(false, &stdout, &stderr) }
	jsonOut := func() *Output { return NewOutputTo(true, &stdout, &stderr) }

	t.Run("steps", func(t *testing.T) {
		stdout.Reset()
		err := execute(NewStepsCmd(clientFn, textOut))
		require.NoError(t, err)
		assert.Contains(t, stdout.String(), "SCRIPT_KEY")
		assert.Contains(t, stdout.String(), "personas")
		assert.Contains(t, stdout.String(), "bios")
	})

	t.Run("tenant create", func(t *testing.T) {
		stderr.Reset()
		err := execute(NewTenantCmd(clientFn, textOut), "create", "globex", "--name", "Globex")
		require.NoError(t, err)
		assert.Contains(t, stderr.String(), "Tenant created: globex")
	})

	t.Run("reset requires confirmation", func(t *testing.T) {
		err := execute(NewTenantCmd(clientFn, textOut), "reset", "globex")
		assert.ErrorContains(t, err, "--yes")
	})

	t.Run("stop with nothing running", func(t *testing.T) {
		stderr.Reset()
		err := execute(NewStopCmd(clientFn, textOut), "acme")
		require.NoError(t, err)
		assert.Contains(t, stderr.String(), "nothing is running")
	})

	t.Run("run and status", func(t *testing.T) {
		stderr.Reset()
		err := execute(NewRunCmd(clientFn, textOut), "acme", "personas")
		require.NoError(t, err)
		assert.Contains(t, stderr.String(), "Step personas starting")

		stdout.Reset()
		err = execute(NewStatusCmd(clientFn, jsonOut), "acme")
		require.NoError(t, err)

		var status StatusResponse
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &status))
		require.NotNil(t, status.Status)
		assert.Equal(t, domain.StatusStarting, status.Status.Status)
		assert.Equal(t, 2, status.Total)

		stdout.Reset()
		err = execute(NewStatusCmd(clientFn, textOut), "acme")
		require.NoError(t, err)
		assert.Contains(t, stdout.String(), "Personas")
		assert.Contains(t, stdout.String(), "starting")
	})

	t.Run("stop active step", func(t *testing.T) {
		stderr.Reset()
		err := execute(NewStopCmd(clientFn, textOut), "acme")
		require.NoError(t, err)
		assert.Contains(t, stderr.String(), "Stop requested for personas")

		snap, err := controller.Status(context.Background(), "acme")
		require.NoError(t, err)
		assert.True(t, snap.Status.StopRequested)
	})

	t.Run("cascade disabled", func(t *testing.T) {
		err := execute(NewCascadeCmd(clientFn, textOut), "status", "acme")
		assert.ErrorIs(t, err, repo.ErrUnavailable)
	})
}

func TestWatchUntilDone(t *testing.T) {
	client, controller, _ := newAPI(t)
	ctx := context.Background()

	run, err := controller.Start(ctx, "acme", "personas")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = controller.ReportProgress(ctx, run.RunID, domain.Progress{Current: 1, Total: 2, Message: "half way"})
		time.Sleep(30 * time.Millisecond)
		_ = controller.Fail(ctx, run.RunID, "worker crashed", nil)
	}()

	var stdout, stderr bytes.Buffer
	cmd := NewWatchCmd(func() *Client { return client }, func() *Output { return NewOutputTo(false, &stdout, &stderr) })
	err = execute(cmd, "acme", "--interval", "5ms", "--until-done")
	require.NoError(t, err)

	out := stdout.String()
	assert.Contains(t, out, "half way")
	assert.Contains(t, out, "worker crashed")
}

func TestProgressBar(t *testing.T) {
	assert.Contains(t, ProgressBar(50, 10), " 50%")
	assert.Contains(t, ProgressBar(150, 10), "100%")
	assert.Contains(t, ProgressBar(-5, 10), "  0%")
}

func TestRenderStatus(t *testing.T) {
	now := time.Now()
	run := domain.NewExecutionStatus("acme", testSteps[1], now.Add(-time.Minute))
	run.ApplyProgress(domain.Progress{Current: 3, Total: 4, ItemName: "Ana"}, now)

	status := &StatusResponse{
		Found:         true,
		Status:        run,
		ScriptsStatus: domain.ScriptsStatus{"personas": true, "bios": false},
		Completed:     1,
		Total:         2,
		Progress:      50,
	}
	list := []StepResponse{{ScriptKey: "personas", Name: "Personas", Order: 1}, {ScriptKey: "bios", Name: "Bios", Order: 2}}

	out := RenderStatus("acme", status, list, now)
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "(1/2 steps)")
	assert.Contains(t, out, "3/4")
	assert.Contains(t, out, "Ana")
	assert.Contains(t, out, "1m0s")
	assert.Contains(t, out, "Personas")
}
