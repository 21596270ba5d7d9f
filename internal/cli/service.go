package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/queue"
)

// Service — операции очереди, которые использует CLI. Реализуется *queue.Service.
type Service interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Task, bool, error)
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	Requeue(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Stats(ctx context.Context) (*domain.Stats, error)
	Reclaim(ctx context.Context) (int, error)
}

var _ Service = (*queue.Service)(nil)

// ServiceFunc лениво открывает Service (подключение к БД).
type ServiceFunc func(ctx context.Context) (Service, error)

func parseTaskID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid task id %q: %w", s, err)
	}
	return id, nil
}
