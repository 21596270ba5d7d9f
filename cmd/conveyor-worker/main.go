// Conveyor Worker — выполняет tasks из очереди.
//
// Worker:
//   - Захватывает tasks через Claim (polling + wake-up из RabbitMQ)
//   - Выполняет handler по типу task (http, delay, echo)
//   - Отчитывается Complete/Fail; retry и reclaim решает очередь
//   - Опционально запускает reclaim sweep (WORKER_EMBED_SWEEPER)
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Conveyor/internal/app"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/sweeper"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.SetupLogger("ERROR", "json").Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting conveyor-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := app.Open(ctx, cfg, logger, app.Options{
		Name:       "conveyor-worker",
		Migrate:    true,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer env.Close()

	strat, err := cfg.Strategy()
	if err != nil {
		logger.Error("invalid strategy", "error", err)
		os.Exit(1)
	}

	registry := worker.NewRegistry()
	if err := worker.RegisterBuiltins(registry); err != nil {
		logger.Error("failed to register handlers", "error", err)
		os.Exit(1)
	}

	w := worker.New(worker.Config{
		Queue:         env.Queue,
		Registry:      registry,
		Conn:          env.Conn,
		Metrics:       env.Metrics,
		Logger:        logger,
		WorkerID:      cfg.WorkerID,
		Capabilities:  cfg.WorkerCapabilities,
		Strategy:      strat,
		Types:         cfg.WorkerTypes,
		TypePattern:   cfg.WorkerTypePattern,
		LeaseDuration: cfg.LeaseDuration,
		PollInterval:  cfg.PollInterval,
		Concurrency:   cfg.WorkerConcurrency,
		ShutdownGrace: cfg.ShutdownGrace,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	sweeperDone := make(chan struct{})
	if !cfg.WorkerEmbedSweeper {
		close(sweeperDone)
	} else {
		schedule, err := cfg.Schedule()
		if err != nil {
			logger.Error("invalid reclaim schedule", "error", err)
			os.Exit(1)
		}
		sw := sweeper.New(sweeper.Config{
			Queue:    env.Queue,
			Leader:   repo.NewLeaderLock(env.Pool, repo.SweeperLockKey),
			Schedule: schedule,
			Logger:   logger,
		})
		go func() {
			defer close(sweeperDone)
			if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sweeper stopped", "error", err)
			}
		}()
	}

	go func() {
		handler := app.OpsHandler(prometheus.DefaultGatherer, w.Ready)
		if err := app.ServeOps(ctx, cfg.WorkerPort, handler, logger); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	w.Stop()
	<-sweeperDone
	logger.Info("conveyor-worker stopped")
}
