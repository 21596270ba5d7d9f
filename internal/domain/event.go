package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType — тип события жизненного цикла task.
type EventType string

// Типы событий.
const (
	EventTaskEnqueued  EventType = "task.enqueued"
	EventTaskCompleted EventType = "task.completed"
	EventTaskRetrying  EventType = "task.retrying"
	EventTaskFailed    EventType = "task.failed"
	EventTaskReclaimed EventType = "task.reclaimed"
)

// TaskEvent — событие об изменении состояния task.
type TaskEvent struct {
	Type     EventType  `json:"type"`
	TaskID   uuid.UUID  `json:"task_id"`
	TaskType string     `json:"task_type"`
	Status   TaskStatus `json:"status"`
	Attempts int        `json:"attempts"`
	WorkerID string     `json:"worker_id,omitempty"`
	Error    string     `json:"error,omitempty"`
	At       time.Time  `json:"at"`
}

// NewTaskEvent создаёт событие из текущего состояния task.
func NewTaskEvent(eventType EventType, t *Task, workerID string, at time.Time) TaskEvent {
	ev := TaskEvent{
		Type:     eventType,
		TaskID:   t.ID,
		TaskType: t.Type,
		Status:   t.Status,
		Attempts: t.Attempts,
		WorkerID: workerID,
		At:       at,
	}
	if t.Status != TaskStatusCompleted {
		ev.Error = t.ErrorMessage
	}
	return ev
}
