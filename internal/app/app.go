// Package app собирает зависимости процессов Conveyor: пул Postgres,
// RabbitMQ (опционально), queue.Service и HTTP-эндпоинты /healthz и /metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Env — общие зависимости процесса.
type Env struct {
	Config  *config.Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Conn    *mq.Connection // nil, если RabbitMQ отключён или недоступен
	Metrics *telemetry.Metrics
	Queue   *queue.Service
}

// Options настраивают Open.
type Options struct {
	// Name — имя процесса (для имени AMQP-соединения).
	Name string

	// Migrate применяет схему при старте.
	Migrate bool

	// Registerer — куда регистрировать метрики. nil — метрики не регистрируются.
	Registerer prometheus.Registerer
}

// Open подключается к Postgres и (если задан RABBITMQ_URL) к RabbitMQ.
// Недоступный RabbitMQ не ошибка: процесс работает в режиме polling.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Env, error) {
	pool, err := repo.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info("database connected")

	if opts.Migrate {
		if err := repo.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema applied")
	}

	env := &Env{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Metrics: telemetry.NewMetrics(opts.Registerer),
	}

	qcfg := cfg.QueueConfig()
	qcfg.Store = repo.NewTaskRepo(pool)
	qcfg.Metrics = env.Metrics
	qcfg.Logger = logger

	if cfg.RabbitMQURL != "" {
		conn, err := mq.NewConnection(cfg.RabbitMQURL, opts.Name, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		} else {
			logger.Info("RabbitMQ connected")
			if err := mq.SetupTopology(ctx, conn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			} else {
				logger.Debug("RabbitMQ topology declared", "topology", mq.TopologyInfo())
			}
			env.Conn = conn
			qcfg.Publisher = mq.NewPublisher(conn, logger)
		}
	}

	env.Queue = queue.NewService(qcfg)
	return env, nil
}

// Close освобождает соединения.
func (e *Env) Close() {
	if e.Conn != nil {
		if err := e.Conn.Close(); err != nil {
			e.Logger.Warn("close RabbitMQ connection", "error", err)
		}
	}
	e.Pool.Close()
}

// OpsHandler возвращает mux с /healthz и /metrics.
// ready == nil означает "всегда готов".
func OpsHandler(gatherer prometheus.Gatherer, ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ServeOps обслуживает handler на порту до отмены ctx.
func ServeOps(ctx context.Context, port string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
