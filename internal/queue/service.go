package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/strategy"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	DefaultMaxAttempts   = 5
	DefaultLeaseDuration = 60 * time.Second
	DefaultReclaimBatch  = 100
	DefaultSlowThreshold = 500 * time.Millisecond
)

// ErrWorkerIDRequired — Claim и отчёты воркера требуют непустой worker id.
var ErrWorkerIDRequired = errors.New("worker id is required")

// Service — ядро очереди: enqueue, claim, отчёты воркеров, reclaim и stats.
//
// Service не хранит состояния между вызовами: всё состояние в Store,
// поэтому любое число процессов может работать с одной БД.
type Service struct {
	store     Store
	publisher EventPublisher
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	retry     RetryPolicy
	clock     func() time.Time

	defaultMaxAttempts int
	defaultLease       time.Duration
	reclaimBatch       int
	slowThreshold      time.Duration
}

// Config — конфигурация Service.
type Config struct {
	Store Store

	// Publisher (опционально) — события task.* в RabbitMQ.
	Publisher EventPublisher

	// Metrics (опционально).
	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	Retry              RetryPolicy
	DefaultMaxAttempts int           // default: 5
	DefaultLease       time.Duration // default: 60s
	ReclaimBatch       int           // tasks за один reclaim (default: 100)

	// SlowThreshold — операции дольше порога логируются как WARN.
	// Отрицательное значение отключает проверку.
	SlowThreshold time.Duration

	// Clock подменяется в тестах. По умолчанию time.Now.
	Clock func() time.Time
}

// NewService создаёт Service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retry := cfg.Retry
	if retry.Backoff == "" {
		retry.Backoff = BackoffExponential
	}
	maxAttempts := cfg.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	lease := cfg.DefaultLease
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	batch := cfg.ReclaimBatch
	if batch <= 0 {
		batch = DefaultReclaimBatch
	}
	slow := cfg.SlowThreshold
	if slow == 0 {
		slow = DefaultSlowThreshold
	}

	return &Service{
		store:              cfg.Store,
		publisher:          cfg.Publisher,
		metrics:            cfg.Metrics,
		logger:             logger,
		retry:              retry,
		clock:              clock,
		defaultMaxAttempts: maxAttempts,
		defaultLease:       lease,
		reclaimBatch:       batch,
		slowThreshold:      slow,
	}
}

// Enqueue ставит task в очередь.
//
// При совпадении idempotency_key (или content dedupe key среди активных
// tasks) возвращает существующий task и created = false.
func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Task, bool, error) {
	defer s.observe("enqueue", s.clock())

	task, err := domain.NewTask(req, s.clock(), s.defaultMaxAttempts)
	if err != nil {
		return nil, false, err
	}

	stored, created, err := s.store.Insert(ctx, task)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", task.Type, err)
	}
	s.metrics.Enqueued(stored.Type, created)

	if created {
		s.logger.Debug("task enqueued",
			"task_id", stored.ID,
			"task_type", stored.Type,
			"priority", stored.Priority,
			"run_after", stored.RunAfter,
		)
		s.publish(ctx, domain.NewTaskEvent(domain.EventTaskEnqueued, stored, "", stored.CreatedAt))
	} else {
		s.logger.Debug("enqueue deduplicated",
			"task_id", stored.ID,
			"task_type", stored.Type,
			"status", stored.Status,
		)
	}
	return stored, created, nil
}

// ClaimRequest — параметры Claim.
type ClaimRequest struct {
	WorkerID     string
	Capabilities map[string]string

	// Types / TypePattern — опциональные фильтры по типу.
	Types       []string
	TypePattern string

	// Strategy — nil означает FIFO.
	Strategy strategy.Strategy

	// LeaseDuration — 0 означает значение по умолчанию.
	LeaseDuration time.Duration
}

// Claim захватывает один eligible task.
// Если подходящих tasks нет, возвращает nil, nil.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*domain.Task, error) {
	if req.WorkerID == "" {
		return nil, ErrWorkerIDRequired
	}
	strat := req.Strategy
	if strat == nil {
		strat = strategy.FIFO()
	}
	lease := req.LeaseDuration
	if lease <= 0 {
		lease = s.defaultLease
	}

	start := s.clock()
	defer s.observe("claim", start)

	task, err := s.store.Claim(ctx, domain.ClaimQuery{
		WorkerID:      req.WorkerID,
		Capabilities:  req.Capabilities,
		Types:         req.Types,
		TypePattern:   req.TypePattern,
		Now:           start,
		LeaseDuration: lease,
	}, strat)
	if errors.Is(err, repo.ErrNotFound) {
		s.metrics.ClaimAttempt(s.clock().Sub(start))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	s.metrics.Claimed(string(strat.Kind()), s.clock().Sub(start))
	s.logger.Debug("task claimed",
		"task_id", task.ID,
		"task_type", task.Type,
		"worker_id", req.WorkerID,
		"attempt", task.Attempts,
		"strategy", strat.Kind(),
	)
	return task, nil
}

// Complete завершает task успешно.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, workerID string, result map[string]any) (*domain.Task, error) {
	defer s.observe("complete", s.clock())

	task, err := s.store.Mutate(ctx, id, func(t *domain.Task) error {
		return t.Complete(workerID, result, s.clock())
	})
	if err != nil {
		return nil, fmt.Errorf("complete task %s: %w", id, err)
	}

	s.metrics.Completed(task.Type)
	s.logger.Info("task completed",
		"task_id", task.ID,
		"task_type", task.Type,
		"worker_id", workerID,
		"attempt", task.Attempts,
		"duration", task.Duration(),
	)
	s.publish(ctx, domain.NewTaskEvent(domain.EventTaskCompleted, task, workerID, s.clock()))
	return task, nil
}

// Fail сообщает об ошибке выполнения. Если попытки не исчерпаны,
// task возвращается в очередь с backoff, иначе становится FAILED.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, workerID, message string) (*domain.Task, error) {
	return s.fail(ctx, id, workerID, message, false)
}

// FailPermanently переводит task в FAILED без retry
// (например, для типа без зарегистрированного handler).
func (s *Service) FailPermanently(ctx context.Context, id uuid.UUID, workerID, message string) (*domain.Task, error) {
	return s.fail(ctx, id, workerID, message, true)
}

func (s *Service) fail(ctx context.Context, id uuid.UUID, workerID, message string, permanent bool) (*domain.Task, error) {
	defer s.observe("fail", s.clock())

	var terminal bool
	task, err := s.store.Mutate(ctx, id, func(t *domain.Task) error {
		var err error
		terminal, err = t.Fail(workerID, message, s.clock(), s.retry.Delay, permanent)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fail task %s: %w", id, err)
	}

	s.metrics.Failed(task.Type, terminal)
	if terminal {
		s.logger.Warn("task failed",
			"task_id", task.ID,
			"task_type", task.Type,
			"worker_id", workerID,
			"attempt", task.Attempts,
			"permanent", permanent,
			"error", task.ErrorMessage,
		)
		s.publish(ctx, domain.NewTaskEvent(domain.EventTaskFailed, task, workerID, s.clock()))
	} else {
		s.logger.Info("task scheduled for retry",
			"task_id", task.ID,
			"task_type", task.Type,
			"worker_id", workerID,
			"attempt", task.Attempts,
			"run_after", task.RunAfter,
			"error", task.ErrorMessage,
		)
		s.publish(ctx, domain.NewTaskEvent(domain.EventTaskRetrying, task, workerID, s.clock()))
	}
	return task, nil
}

// UpdateProgress обновляет прогресс. Только для держателя lease.
func (s *Service) UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, percent int, message string) (*domain.Task, error) {
	defer s.observe("progress", s.clock())

	task, err := s.store.Mutate(ctx, id, func(t *domain.Task) error {
		return t.UpdateProgress(workerID, percent, message, s.clock())
	})
	if err != nil {
		return nil, fmt.Errorf("update progress %s: %w", id, err)
	}
	return task, nil
}

// ExtendLease продлевает lease держателя (heartbeat).
// d == 0 означает длительность по умолчанию.
func (s *Service) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) (*domain.Task, error) {
	if d <= 0 {
		d = s.defaultLease
	}
	task, err := s.store.Mutate(ctx, id, func(t *domain.Task) error {
		return t.ExtendLease(workerID, s.clock(), d)
	})
	if err != nil {
		return nil, fmt.Errorf("extend lease %s: %w", id, err)
	}
	return task, nil
}

// Requeue возвращает FAILED task в очередь с обнулёнными попытками.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.store.Mutate(ctx, id, func(t *domain.Task) error {
		return t.Requeue(s.clock())
	})
	if err != nil {
		return nil, fmt.Errorf("requeue task %s: %w", id, err)
	}
	s.logger.Info("task requeued", "task_id", task.ID, "task_type", task.Type)
	s.publish(ctx, domain.NewTaskEvent(domain.EventTaskEnqueued, task, "", s.clock()))
	return task, nil
}

// GetTask возвращает task по ID.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks возвращает tasks по фильтру.
func (s *Service) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	tasks, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Stats возвращает снимок очереди.
func (s *Service) Stats(ctx context.Context) (*domain.Stats, error) {
	defer s.observe("stats", s.clock())

	stats, err := s.store.Stats(ctx, s.clock())
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	s.metrics.ObserveStats(stats)
	return stats, nil
}

// Reclaim возвращает в очередь tasks с истёкшим lease.
// Идемпотентна и безопасна при конкурентном запуске.
// Обрабатывает батчи, пока не останется просроченных lease.
func (s *Service) Reclaim(ctx context.Context) (int, error) {
	defer s.observe("reclaim", s.clock())

	total := 0
	for {
		now := s.clock()
		tasks, err := s.store.Reclaim(ctx, now, s.reclaimBatch)
		if err != nil {
			return total, fmt.Errorf("reclaim: %w", err)
		}
		total += len(tasks)
		s.metrics.Reclaimed(tasks)

		for i := range tasks {
			t := &tasks[i]
			s.logger.Warn("lease expired, task reclaimed",
				"task_id", t.ID,
				"task_type", t.Type,
				"attempt", t.Attempts,
				"status", t.Status,
			)
			eventType := domain.EventTaskReclaimed
			if t.Status == domain.TaskStatusFailed {
				eventType = domain.EventTaskFailed
			}
			s.publish(ctx, domain.NewTaskEvent(eventType, t, "", now))
		}

		if len(tasks) < s.reclaimBatch || ctx.Err() != nil {
			return total, nil
		}
	}
}

// publish отправляет событие, если publisher настроен.
// Ошибка публикации только логируется: состояние уже сохранено в Store.
func (s *Service) publish(ctx context.Context, event domain.TaskEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTaskEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish task event",
			"event", event.Type,
			"task_id", event.TaskID,
			"error", err,
		)
	}
}

// observe сигнализирует о медленных операциях.
func (s *Service) observe(op string, start time.Time) {
	if s.slowThreshold < 0 {
		return
	}
	if took := s.clock().Sub(start); took > s.slowThreshold {
		s.metrics.SlowOperation(op)
		s.logger.Warn("slow queue operation", "op", op, "took", took, "threshold", s.slowThreshold)
	}
}
