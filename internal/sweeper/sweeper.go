package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Queue — операции очереди, которые выполняет Sweeper.
// Реализуется *queue.Service.
type Queue interface {
	Reclaim(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*domain.Stats, error)
}

// Leader — распределённый lock лидера (repo.LeaderLock).
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Sweeper периодически возвращает в очередь tasks с истёкшим lease
// и обновляет gauges очереди.
type Sweeper struct {
	queue    Queue
	leader   Leader
	schedule cron.Schedule
	logger   *slog.Logger

	mu       sync.Mutex
	isLeader bool
}

// Config — конфигурация Sweeper.
type Config struct {
	Queue Queue

	// Leader (опционально) — если задан, тик выполняет только лидер.
	Leader Leader

	// Schedule — расписание тиков, см. ParseSchedule. По умолчанию @every 15s.
	Schedule cron.Schedule

	Logger *slog.Logger
}

// DefaultInterval — интервал тиков, если Schedule не задан.
const DefaultInterval = 15 * time.Second

// New создаёт новый Sweeper.
func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = cron.Every(DefaultInterval)
	}
	return &Sweeper{
		queue:    cfg.Queue,
		leader:   cfg.Leader,
		schedule: schedule,
		logger:   logger.With("component", "sweeper"),
	}
}

// Tick выполняет один проход.
//
// 1. Проверяет лидерство (если задан Leader)
// 2. Возвращает в очередь tasks с истёкшим lease
// 3. Обновляет снимок очереди (gauges queue_depth, oldest_queued_age)
//
// Возвращает количество возвращённых tasks. Не-лидер возвращает 0, nil.
func (s *Sweeper) Tick(ctx context.Context) (int, error) {
	if s.leader != nil {
		ok, err := s.leader.TryAcquire(ctx)
		if err != nil {
			s.setLeader(false)
			return 0, err
		}
		s.setLeader(ok)
		if !ok {
			return 0, nil
		}
	}

	n, err := s.queue.Reclaim(ctx)
	if err != nil {
		return n, err
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return n, err
	}

	level := slog.LevelDebug
	if n > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "sweeper tick completed",
		"reclaimed", n,
		"queued", stats.Counts[domain.TaskStatusQueued],
		"leased", stats.Counts[domain.TaskStatusLeased],
		"failed", stats.Counts[domain.TaskStatusFailed],
		"oldest_queued_age", stats.OldestQueuedAge,
	)
	return n, nil
}

// Run выполняет Tick по расписанию до отмены ctx.
// Тики не перекрываются: если предыдущий ещё идёт, очередной пропускается.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cronLogger{s: s}),
		cron.WithChain(cron.Recover(cronLogger{s: s}), cron.SkipIfStillRunning(cronLogger{s: s})),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweeper tick failed", "error", err)
		}
	}))

	s.logger.Info("sweeper started", "leader_election", s.leader != nil)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	if s.leader != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.leader.Release(releaseCtx); err != nil {
			s.logger.Warn("failed to release leader lock", "error", err)
		}
		s.setLeader(false)
	}
	s.logger.Info("sweeper stopped")
	return ctx.Err()
}

// IsLeader сообщает, был ли процесс лидером на последнем тике.
func (s *Sweeper) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader == nil || s.isLeader
}

func (s *Sweeper) setLeader(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v != s.isLeader {
		if v {
			s.logger.Info("acquired sweeper leadership")
		} else if s.isLeader {
			s.logger.Warn("lost sweeper leadership")
		}
	}
	s.isLeader = v
}
