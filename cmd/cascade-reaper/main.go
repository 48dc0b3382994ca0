// Cascade Reaper — снимает зависшие запуски по жёсткому таймауту.
//
// Несколько экземпляров безопасны: обход выполняет только лидер,
// выбранный через pg_try_advisory_lock.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Cascade/internal/config"
	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/reaper"
	"github.com/shaiso/Cascade/internal/repo"
	"github.com/shaiso/Cascade/internal/steps"
	"github.com/shaiso/Cascade/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting cascade-reaper")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	shutdownTracing := telemetry.SetupTracing(logger)
	defer shutdownTracing(context.Background())

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := steps.DefaultRegistry()
	if cfg.Registry.StepsFile != "" {
		registry, err = steps.LoadFile(cfg.Registry.StepsFile)
		if err != nil {
			logger.Error("failed to load steps", "error", err)
			os.Exit(1)
		}
	}

	store, err := repo.OpenStore(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.SQLitePath)
	if err != nil {
		logger.Error("failed to open status store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var leader reaper.Leader = reaper.Solo{}
	if pg, ok := store.(*repo.PostgresStore); ok {
		leader = reaper.NewAdvisoryLock(pg.Pool(), reaper.LockKey)
	}

	r, err := reaper.New(reaper.Config{
		Store: store,
		Controller: execution.New(execution.Config{
			Store:  store,
			Steps:  registry,
			Logger: logger,
		}),
		Schedule:    cfg.Reaper.Schedule,
		Leader:      leader,
		StepTimeout: cfg.Cascade.StepTimeout,
		Grace:       cfg.Reaper.Grace,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("invalid reaper config", "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("reaper running", "schedule", cfg.Reaper.Schedule, "step_timeout", cfg.Cascade.StepTimeout)
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reaper stopped", "error", err)
			cancel()
		}
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              config.Addr(cfg.Ports.Reaper),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	logger.Info("cascade-reaper stopped")
}
