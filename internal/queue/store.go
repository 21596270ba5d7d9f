package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/strategy"
)

// Store — durable хранилище tasks.
//
// Каждый метод — одна атомарная операция над одной строкой
// (или одной строкой из N кандидатов для Claim).
type Store interface {
	// Insert сохраняет task. При конфликте ключей возвращает существующий
	// task и false.
	Insert(ctx context.Context, task *domain.Task) (*domain.Task, bool, error)

	// Claim выбирает eligible task под стратегией и переводит его в LEASED.
	// Пустой результат — repo.ErrNotFound.
	Claim(ctx context.Context, q domain.ClaimQuery, s strategy.Strategy) (*domain.Task, error)

	// Mutate блокирует task, применяет fn и сохраняет результат.
	Mutate(ctx context.Context, id uuid.UUID, fn func(*domain.Task) error) (*domain.Task, error)

	// Reclaim обрабатывает до limit tasks с истёкшим lease.
	Reclaim(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)

	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	Stats(ctx context.Context, now time.Time) (*domain.Stats, error)
}

var (
	_ Store = (*repo.TaskRepo)(nil)
	_ Store = (*repo.MemoryTaskRepo)(nil)
)

// EventPublisher получает события жизненного цикла tasks.
// Ошибки публикации не влияют на результат операции.
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, event domain.TaskEvent) error
}
