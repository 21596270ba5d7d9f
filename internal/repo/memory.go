package repo

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/strategy"
)

// MemoryTaskRepo — хранилище tasks в памяти процесса.
//
// Повторяет семантику TaskRepo (идемпотентность, claim под стратегией,
// reclaim) и используется в тестах и для локального запуска без PostgreSQL.
// Все методы возвращают копии: изменения вызывающего не попадают в хранилище.
type MemoryTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
}

// NewMemoryTaskRepo создаёт пустое хранилище.
func NewMemoryTaskRepo() *MemoryTaskRepo {
	return &MemoryTaskRepo{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (r *MemoryTaskRepo) Insert(ctx context.Context, task *domain.Task) (*domain.Task, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.conflictLocked(task); existing != nil {
		return cloneTask(existing), false, nil
	}
	stored := cloneTask(task)
	stored.UpdatedAt = stored.CreatedAt
	r.tasks[stored.ID] = stored
	return cloneTask(stored), true, nil
}

func (r *MemoryTaskRepo) conflictLocked(task *domain.Task) *domain.Task {
	if existing, ok := r.tasks[task.ID]; ok {
		return existing
	}
	for _, t := range r.tasks {
		if task.IdempotencyKey != "" && t.IdempotencyKey == task.IdempotencyKey {
			return t
		}
		if task.DedupeKey != "" && t.DedupeKey == task.DedupeKey && t.Status.IsActive() {
			return t
		}
	}
	return nil
}

func (r *MemoryTaskRepo) Claim(ctx context.Context, q domain.ClaimQuery, s strategy.Strategy) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []*domain.Task
	for _, t := range r.tasks {
		if q.Matches(t) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNotFound
	}
	slices.SortStableFunc(eligible, func(a, b *domain.Task) int {
		switch {
		case s.Less(a, b):
			return -1
		case s.Less(b, a):
			return 1
		}
		return 0
	})

	limit := min(max(s.CandidateLimit(), 1), len(eligible))
	candidates := make([]domain.Task, limit)
	for i := range limit {
		candidates[i] = *eligible[i]
	}

	chosen := eligible[s.Select(candidates)]
	chosen.Lease(q.WorkerID, q.Now, q.LeaseDuration)
	return cloneTask(chosen), nil
}

func (r *MemoryTaskRepo) Mutate(ctx context.Context, id uuid.UUID, fn func(*domain.Task) error) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := cloneTask(stored)
	if err := fn(working); err != nil {
		return nil, err
	}
	if working.Status.IsActive() && working.DedupeKey != "" && !stored.Status.IsActive() {
		for _, t := range r.tasks {
			if t.ID != id && t.DedupeKey == working.DedupeKey && t.Status.IsActive() {
				return nil, ErrAlreadyExists
			}
		}
	}
	r.tasks[id] = working
	return cloneTask(working), nil
}

func (r *MemoryTaskRepo) Reclaim(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*domain.Task
	for _, t := range r.tasks {
		if t.LeaseExpired(now) {
			expired = append(expired, t)
		}
	}
	slices.SortFunc(expired, func(a, b *domain.Task) int {
		return a.LeaseUntil.Compare(*b.LeaseUntil)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	reclaimed := make([]domain.Task, 0, len(expired))
	for _, t := range expired {
		t.Reclaim(now)
		reclaimed = append(reclaimed, *cloneTask(t))
	}
	return reclaimed, nil
}

func (r *MemoryTaskRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (r *MemoryTaskRepo) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.Task
	for _, t := range r.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		matched = append(matched, *cloneTask(t))
	}
	// Новые первыми, как в TaskRepo.List.
	slices.SortFunc(matched, func(a, b domain.Task) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(b.ID[:], a.ID[:])
	})

	offset := max(filter.Offset, 0)
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *MemoryTaskRepo) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &domain.Stats{Counts: make(map[domain.TaskStatus]int, len(domain.AllStatuses))}
	for _, s := range domain.AllStatuses {
		stats.Counts[s] = 0
	}

	var oldest *time.Time
	since := now.Add(-time.Minute)
	for _, t := range r.tasks {
		stats.Counts[t.Status]++
		switch t.Status {
		case domain.TaskStatusQueued:
			if !t.RunAfter.After(now) && (oldest == nil || t.CreatedAt.Before(*oldest)) {
				created := t.CreatedAt
				oldest = &created
			}
		case domain.TaskStatusCompleted:
			if t.FinishedAt != nil && !t.FinishedAt.Before(since) {
				stats.CompletedLastMinute++
			}
		}
	}
	if oldest != nil && now.After(*oldest) {
		stats.OldestQueuedAge = now.Sub(*oldest)
	}
	return stats, nil
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.Payload = maps.Clone(t.Payload)
	c.Capabilities = maps.Clone(t.Capabilities)
	c.Result = maps.Clone(t.Result)
	c.ReservedAt = cloneTime(t.ReservedAt)
	c.LeaseUntil = cloneTime(t.LeaseUntil)
	c.FinishedAt = cloneTime(t.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
