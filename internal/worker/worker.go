package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/strategy"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval  = time.Second
	defaultShutdownGrace = 30 * time.Second
	defaultPrefetch      = 10

	// Backoff при недоступности хранилища.
	storeRetryInitial = 500 * time.Millisecond
	storeRetryMax     = 30 * time.Second

	// Сколько раз повторять отчёт (Complete/Fail) при ErrStoreUnavailable.
	reportAttempts = 5

	// Сколько ждать handler'ы, проигнорировавшие отмену, после grace period.
	abandonWait = 5 * time.Second
)

// Queue — операции очереди, которые использует воркер. Реализуется *queue.Service.
type Queue interface {
	Claim(ctx context.Context, req queue.ClaimRequest) (*domain.Task, error)
	Complete(ctx context.Context, id uuid.UUID, workerID string, result map[string]any) (*domain.Task, error)
	Fail(ctx context.Context, id uuid.UUID, workerID, message string) (*domain.Task, error)
	FailPermanently(ctx context.Context, id uuid.UUID, workerID, message string) (*domain.Task, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, percent int, message string) (*domain.Task, error)
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) (*domain.Task, error)
}

var _ Queue = (*queue.Service)(nil)

// Worker — цикл poll → claim → execute → report.
//
// Worker не хранит состояния tasks: всё состояние в БД, поэтому воркеры
// масштабируются горизонтально и координируются только через Claim.
// Concurrency слотов внутри процесса работают независимо, каждый со своим
// worker id вида "<id>/<n>".
type Worker struct {
	queue    Queue
	registry *Registry
	conn     *mq.Connection
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	id            string
	capabilities  map[string]string
	strategy      strategy.Strategy
	types         []string
	typePattern   string
	lease         time.Duration
	pollInterval  time.Duration
	concurrency   int
	shutdownGrace time.Duration

	// wake будит слоты раньше poll interval (сообщения task.enqueued).
	wake chan struct{}

	// claimCtx отменяется при Stop: слоты перестают брать новые tasks.
	// execCtx отменяется после grace period: handler'ы прерываются.
	stopClaiming context.CancelFunc
	abandon      context.CancelFunc
	execCtx      context.Context

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	mu      sync.RWMutex
	started bool
	stopped bool
}

// Config — конфигурация Worker.
type Config struct {
	// Queue — обычно *queue.Service.
	Queue Queue

	// Registry — handler'ы по типу task. Если nil — пустой реестр.
	Registry *Registry

	// Conn (опционально) — подписка на task.enqueued для быстрого пробуждения.
	Conn *mq.Connection

	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// WorkerID — идентификатор воркера. Default: "worker-<uuid>".
	WorkerID string

	// Capabilities — что умеет воркер (key=value).
	Capabilities map[string]string

	// Strategy — стратегия claim. Default: FIFO.
	Strategy strategy.Strategy

	// Types / TypePattern — какие типы брать.
	Types       []string
	TypePattern string

	LeaseDuration time.Duration // 0 — значение по умолчанию Service
	PollInterval  time.Duration // default: 1s
	Concurrency   int           // default: 1
	ShutdownGrace time.Duration // default: 30s
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	concurrency := max(cfg.Concurrency, 1)
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	strat := cfg.Strategy
	if strat == nil {
		strat = strategy.FIFO()
	}

	id := cfg.WorkerID
	if id == "" {
		id = "worker-" + uuid.NewString()
	}

	return &Worker{
		queue:         cfg.Queue,
		registry:      registry,
		conn:          cfg.Conn,
		metrics:       cfg.Metrics,
		logger:        telemetry.WithWorkerID(logger, id),
		id:            id,
		capabilities:  cfg.Capabilities,
		strategy:      strat,
		types:         cfg.Types,
		typePattern:   cfg.TypePattern,
		lease:         cfg.LeaseDuration,
		pollInterval:  pollInterval,
		concurrency:   concurrency,
		shutdownGrace: grace,
		wake:          make(chan struct{}, concurrency),
	}
}

// ID возвращает идентификатор воркера.
func (w *Worker) ID() string { return w.id }

// Start запускает слоты и (если задан Conn) подписку на task.enqueued.
// Отмена ctx останавливает claim новых tasks; in-flight tasks дорабатывают
// до Stop.
func (w *Worker) Start(ctx context.Context) error {
	if w.queue == nil {
		return fmt.Errorf("worker %s: queue is required", w.id)
	}
	if w.IsStopped() {
		return ErrWorkerStopped
	}

	w.startOnce.Do(func() {
		claimCtx, stopClaiming := context.WithCancel(ctx)
		execCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
		w.stopClaiming = stopClaiming
		w.execCtx = execCtx
		w.abandon = abandon

		w.logger.Info("starting worker",
			"concurrency", w.concurrency,
			"strategy", w.strategy.Kind(),
			"poll_interval", w.pollInterval,
			"types", w.types,
			"type_pattern", w.typePattern,
			"capabilities", w.capabilities,
			"handlers", w.registry.Types(),
		)

		for i := range w.concurrency {
			slotID := w.id
			if w.concurrency > 1 {
				slotID = fmt.Sprintf("%s/%d", w.id, i)
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.loop(claimCtx, slotID)
			}()
		}

		if w.conn != nil {
			consumer := mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
				Declare: func(ctx context.Context) (mq.Queue, error) {
					return mq.DeclareWakeupQueue(ctx, w.conn)
				},
				Handler:  w.handleEnqueued,
				Prefetch: defaultPrefetch,
			})
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				if err := consumer.Run(claimCtx); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Error("wake-up consumer error", "error", err)
				}
			}()
		}

		w.mu.Lock()
		w.started = true
		w.mu.Unlock()
		w.logger.Info("worker started")
	})
	return nil
}

// Stop останавливает Worker.
//
// Новые tasks больше не берутся. In-flight tasks получают ShutdownGrace на
// завершение; после этого их context отменяется и отчёт не отправляется —
// lease истечёт, и reclaim вернёт task в очередь.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		started := w.started
		w.mu.Unlock()
		if !started {
			return
		}

		w.logger.Info("stopping worker...", "grace", w.shutdownGrace)
		w.stopClaiming()

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		grace := time.NewTimer(w.shutdownGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			w.logger.Warn("shutdown grace period elapsed, abandoning in-flight tasks")
			w.abandon()
			select {
			case <-done:
			case <-time.After(abandonWait):
				w.logger.Error("handlers ignored cancellation, exiting anyway")
			}
		}
		w.abandon()
		w.logger.Info("worker stopped")
	})
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopped
}

// Ready — воркер запущен и не остановлен (для /healthz).
func (w *Worker) Ready() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.started && !w.stopped
}

// loop — цикл одного слота.
func (w *Worker) loop(ctx context.Context, slotID string) {
	retryDelay := storeRetryInitial
	req := queue.ClaimRequest{
		WorkerID:      slotID,
		Capabilities:  w.capabilities,
		Types:         w.types,
		TypePattern:   w.typePattern,
		Strategy:      w.strategy,
		LeaseDuration: w.lease,
	}

	for ctx.Err() == nil {
		task, err := w.queue.Claim(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "slot", slotID, "error", err, "retry_in", retryDelay)
			if !sleepCtx(ctx, retryDelay) {
				return
			}
			if errors.Is(err, repo.ErrStoreUnavailable) {
				retryDelay = min(retryDelay*2, storeRetryMax)
			}
			continue
		}
		retryDelay = storeRetryInitial

		if task == nil {
			w.idle(ctx)
			continue
		}
		w.process(task, slotID)
	}
}

// idle ждёт poll interval или сигнала пробуждения.
func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-w.wake:
	}
}

// process выполняет task и отправляет отчёт.
func (w *Worker) process(task *domain.Task, workerID string) {
	logger := telemetry.WithTask(w.logger, task.ID.String(), task.Type, task.Attempts).With("slot", workerID)
	logger.Info("task started")

	ctx, cancel := context.WithCancel(w.execCtx)
	defer cancel()

	lostLease := make(chan struct{})
	heartbeatDone := w.startHeartbeat(ctx, task, workerID, logger, cancel, lostLease)

	progress := func(pctx context.Context, percent int, message string) error {
		_, err := w.queue.UpdateProgress(pctx, task.ID, workerID, percent, message)
		if err != nil {
			logger.Debug("progress update rejected", "percent", percent, "error", err)
		}
		return err
	}

	start := time.Now()
	result, execErr := w.dispatch(ctx, task, progress, logger)
	took := time.Since(start)
	w.metrics.HandlerDone(task.Type, took)

	cancel()
	<-heartbeatDone

	if w.execCtx.Err() != nil {
		logger.Warn("task abandoned on shutdown, lease will expire", "took", took)
		return
	}
	select {
	case <-lostLease:
		logger.Warn("lease lost during execution, result dropped", "took", took)
		return
	default:
	}

	switch {
	case execErr == nil:
		w.report(logger, "complete", func(ctx context.Context) error {
			_, err := w.queue.Complete(ctx, task.ID, workerID, result)
			return err
		})
	case isTerminal(execErr):
		logger.Warn("task failed permanently", "error", execErr, "took", took)
		w.report(logger, "fail", func(ctx context.Context) error {
			_, err := w.queue.FailPermanently(ctx, task.ID, workerID, execErr.Error())
			return err
		})
	default:
		logger.Warn("task handler failed", "error", execErr, "took", took)
		w.report(logger, "fail", func(ctx context.Context) error {
			_, err := w.queue.Fail(ctx, task.ID, workerID, execErr.Error())
			return err
		})
	}
}

// dispatch вызывает handler, превращая panic в ошибку.
func (w *Worker) dispatch(ctx context.Context, task *domain.Task, progress ProgressReporter, logger *slog.Logger) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.registry.Dispatch(ctx, task, progress)
}

// startHeartbeat продлевает lease каждые lease/3, пока ctx жив.
// Если lease потерян (task reclaim'нут и захвачен другим), отменяет handler.
func (w *Worker) startHeartbeat(ctx context.Context, task *domain.Task, workerID string, logger *slog.Logger, cancel context.CancelFunc, lost chan<- struct{}) <-chan struct{} {
	done := make(chan struct{})

	lease := w.lease
	if task.ReservedAt != nil && task.LeaseUntil != nil {
		lease = task.LeaseUntil.Sub(*task.ReservedAt)
	}
	if lease <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(max(lease/3, 10*time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := w.queue.ExtendLease(ctx, task.ID, workerID, lease)
				switch {
				case err == nil:
				case errors.Is(err, domain.ErrNotOwner), errors.Is(err, domain.ErrAlreadyTerminal), errors.Is(err, repo.ErrNotFound):
					close(lost)
					cancel()
					return
				case ctx.Err() == nil:
					logger.Warn("lease heartbeat failed", "error", err)
				}
			}
		}
	}()
	return done
}

// report отправляет отчёт, повторяя при временной недоступности хранилища.
func (w *Worker) report(logger *slog.Logger, op string, fn func(ctx context.Context) error) {
	delay := storeRetryInitial
	for attempt := 1; ; attempt++ {
		err := fn(w.execCtx)
		switch {
		case err == nil:
			return
		case errors.Is(err, domain.ErrNotOwner), errors.Is(err, domain.ErrAlreadyTerminal):
			logger.Warn("report rejected", "op", op, "error", err)
			return
		case errors.Is(err, repo.ErrStoreUnavailable) && attempt < reportAttempts:
			logger.Warn("store unavailable, retrying report", "op", op, "attempt", attempt, "error", err)
			if !sleepCtx(w.execCtx, delay) {
				return
			}
			delay = min(delay*2, storeRetryMax)
		default:
			logger.Error("report failed, lease will expire", "op", op, "error", err)
			return
		}
	}
}

// handleEnqueued будит слоты по событию task.enqueued подходящего типа.
func (w *Worker) handleEnqueued(_ context.Context, d *mq.Delivery) error {
	event, err := mq.ParsePayload[domain.TaskEvent](&d.Message)
	if err != nil {
		return nil
	}
	if !w.accepts(event.TaskType) {
		return nil
	}
	for range w.concurrency {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// accepts проверяет фильтры типов воркера.
func (w *Worker) accepts(taskType string) bool {
	if len(w.types) > 0 && !slices.Contains(w.types, taskType) {
		return false
	}
	if w.typePattern != "" && !domain.MatchTypePattern(w.typePattern, taskType) {
		return false
	}
	return true
}

// sleepCtx ждёт d. Возвращает false, если ctx отменён раньше.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
