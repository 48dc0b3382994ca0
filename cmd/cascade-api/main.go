// Cascade API — HTTP-интерфейс статусов и запуска шагов.
//
// API:
//   - Отдаёт снимок тенанта (текущий шаг и чекпоинт каскада)
//   - Запускает и останавливает шаги через Controller
//   - Держит секвенсоры каскадов (Orchestrator)
//
// Шаги выполняются в процессе (INVOKER=local) или передаются
// cascade-worker через RabbitMQ (INVOKER=queue).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Cascade/internal/api"
	"github.com/shaiso/Cascade/internal/config"
	"github.com/shaiso/Cascade/internal/execution"
	"github.com/shaiso/Cascade/internal/mq"
	"github.com/shaiso/Cascade/internal/orchestrator"
	"github.com/shaiso/Cascade/internal/repo"
	"github.com/shaiso/Cascade/internal/steps"
	"github.com/shaiso/Cascade/internal/telemetry"
	"github.com/shaiso/Cascade/internal/worker"
)

var startTime = time.Now()

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting cascade-api")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	shutdownTracing := telemetry.SetupTracing(logger)
	defer shutdownTracing(context.Background())

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
	logger.Info("steps loaded", "count", registry.Count())

	store, err := repo.OpenStore(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.SQLitePath)
	if err != nil {
		logger.Error("failed to open status store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("status store ready", "driver", cfg.Store.Driver)

	controller := execution.New(execution.Config{
		Store:  store,
		Steps:  registry,
		Logger: logger,
	})

	// Исполнитель шагов
	var local *worker.LocalInvoker
	switch cfg.Broker.Invoker {
	case config.InvokerQueue:
		url := cfg.Broker.URL
		if url == "" {
			url = mq.DefaultURL()
		}
		conn, err := mq.NewConnection(url, "cascade-api", logger)
		if err != nil {
			logger.Error("failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer conn.Close()

		if err := mq.SetupTopology(ctx, conn); err != nil {
			logger.Error("failed to setup topology", "error", err)
			os.Exit(1)
		}
		controller.SetInvoker(worker.NewQueueInvoker(mq.NewPublisher(conn, logger)))
		logger.Info("steps dispatched through RabbitMQ")

	default:
		runner := worker.NewRunner(worker.RunnerConfig{
			Reporter: controller,
			Registry: worker.NewRegistry(&worker.CommandExecutor{
				ScriptsDir: cfg.Registry.ScriptsDir,
				Logger:     logger,
			}),
			StepTimeout: cfg.Cascade.StepTimeout,
			Logger:      logger,
		})
		local = worker.NewLocalInvoker(runner, logger)
		controller.SetInvoker(local)
		logger.Info("steps executed in process", "scripts_dir", cfg.Registry.ScriptsDir)
	}

	orch := orchestrator.New(orchestrator.Config{
		Controller:   controller,
		PollInterval: cfg.Cascade.PollInterval,
		SettleDelay:  cfg.Cascade.SettleDelay,
		MaxWait:      cfg.Cascade.MaxWait,
		Logger:       logger,
	})

	handler := api.NewHandler(api.Config{
		Controller:   controller,
		Orchestrator: orch,
		Logger:       logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Round(time.Second))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              config.Addr(cfg.Ports.API),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	// Секвенсоры прекращают ожидание; локальные шаги закрываются с ошибкой
	orch.Stop()
	if local != nil {
		local.Stop()
	}

	logger.Info("stopped")
}
