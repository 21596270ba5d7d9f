// Conveyor Sweeper — возвращает в очередь tasks с истёкшим lease
// и экспортирует gauges очереди.
//
// Несколько экземпляров безопасны: тик выполняет только держатель
// Postgres advisory lock.
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
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.SetupLogger("ERROR", "json").Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting conveyor-sweeper")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := app.Open(ctx, cfg, logger, app.Options{
		Name:       "conveyor-sweeper",
		Migrate:    true,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer env.Close()

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
		if err := app.ServeOps(ctx, cfg.SweeperPort, app.OpsHandler(prometheus.DefaultGatherer, nil), logger); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sweeper stopped", "error", err)
	}
	logger.Info("conveyor-sweeper stopped")
}
