// Cascade Worker — выполняет шаги каскада из очереди steps.ready.
//
// Worker:
//   - Получает задания из RabbitMQ
//   - Запускает скрипт шага (CommandExecutor)
//   - Пишет прогресс и финальный статус в общее хранилище статусов
//
// Шаги не перезапускаются автоматически. Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Cascade/internal/config"
	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/mq"
	"github.com/shaiso/Cascade/internal/repo"
	"github.com/shaiso/Cascade/internal/steps"
	"github.com/shaiso/Cascade/internal/telemetry"
	"github.com/shaiso/Cascade/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting cascade-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Store.Driver == "memory" {
		logger.Error("worker needs the status store shared with cascade-api", "driver", cfg.Store.Driver)
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
	logger.Info("status store ready", "driver", cfg.Store.Driver)

	// Воркер только отчитывается о запусках, Start здесь не вызывается
	controller := execution.New(execution.Config{
		Store:  store,
		Steps:  registry,
		Logger: logger,
	})

	url := cfg.Broker.URL
	if url == "" {
		url = mq.DefaultURL()
	}
	conn, err := mq.NewConnection(url, "cascade-worker", logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, conn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	runner := worker.NewRunner(worker.RunnerConfig{
		Reporter: controller,
		Registry: worker.NewRegistry(&worker.CommandExecutor{
			ScriptsDir: cfg.Registry.ScriptsDir,
			Logger:     logger,
		}),
		StepTimeout: cfg.Cascade.StepTimeout,
		Logger:      logger,
	})

	concurrency := 1
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			concurrency = n
		}
	}

	w := worker.New(worker.Config{
		Conn:        conn,
		Runner:      runner,
		Concurrency: concurrency,
		Logger:      logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if err := w.Health(); err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_, _ = rw.Write([]byte(err.Error()))
			return
		}
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              config.Addr(cfg.Ports.Worker),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	// Останавливаем worker: текущие шаги закрываются с ошибкой
	w.Stop()
	logger.Info("cascade-worker stopped")
}
