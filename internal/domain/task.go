package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task — единица работы в очереди.
//
// Task создаётся через Enqueue (QUEUED), захватывается воркером через Claim
// (LEASED) и завершается отчётом воркера: Complete или Fail. Если воркер
// пропал, lease истекает и reclaim sweep возвращает task в очередь.
type Task struct {
	// ID — идентификатор task (UUIDv7, упорядочен по времени создания).
	ID uuid.UUID `json:"id"`

	// Type — тип task, по нему воркер находит handler.
	Type string `json:"type"`

	// Status — текущий статус task.
	Status TaskStatus `json:"status"`

	// Priority — приоритет: меньше значение — срочнее.
	Priority int `json:"priority"`

	// Payload — параметры task, для ядра непрозрачны.
	Payload map[string]any `json:"payload,omitempty"`

	// Capabilities — требования к воркеру (key=value).
	// Пустой набор — подходит любой воркер.
	Capabilities map[string]string `json:"capabilities,omitempty"`

	// Attempts — количество claim'ов. Увеличивается при каждом Claim.
	Attempts int `json:"attempts"`

	// MaxAttempts — максимум попыток, после которого task становится FAILED.
	MaxAttempts int `json:"max_attempts"`

	// IdempotencyKey — ключ идемпотентности от producer'а, уникален навсегда.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// DedupeKey — хэш от type + payload, уникален среди активных tasks.
	DedupeKey string `json:"dedupe_key,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// RunAfter — раньше этого времени task невидим для Claim.
	// Используется для отложенного запуска и backoff между retry.
	RunAfter time.Time `json:"run_after"`

	// ReservedAt — время последнего claim.
	ReservedAt *time.Time `json:"reserved_at,omitempty"`

	// LeaseUntil — после этого времени lease считается истёкшим.
	LeaseUntil *time.Time `json:"lease_until,omitempty"`

	// LockedBy — воркер, который держит lease.
	LockedBy string `json:"locked_by,omitempty"`

	// Progress — прогресс выполнения 0..100, только информационный.
	Progress int `json:"progress"`

	// ProgressMessage — комментарий к прогрессу.
	ProgressMessage string `json:"progress_message,omitempty"`

	// Result — результат успешного выполнения.
	Result map[string]any `json:"result,omitempty"`

	// ErrorMessage — последняя ошибка. У FAILED всегда непустая.
	ErrorMessage string `json:"error_message,omitempty"`

	// FinishedAt — время перехода в финальный статус.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// Backoff возвращает задержку перед следующей попыткой.
// attempt — номер только что проваленной попытки (начиная с 1).
type Backoff func(attempt int) time.Duration

// LeaseExpired проверяет, что lease истёк к моменту now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.Status == TaskStatusLeased && t.LeaseUntil != nil && t.LeaseUntil.Before(now)
}

// Duration возвращает время от последнего claim до завершения.
func (t *Task) Duration() time.Duration {
	if t.ReservedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.ReservedAt)
}

// Lease переводит task в статус LEASED за воркером workerID.
func (t *Task) Lease(workerID string, now time.Time, lease time.Duration) {
	until := now.Add(lease)
	reserved := now
	t.Status = TaskStatusLeased
	t.LockedBy = workerID
	t.ReservedAt = &reserved
	t.LeaseUntil = &until
	t.Attempts++
	t.Progress = 0
	t.ProgressMessage = ""
	t.UpdatedAt = now
}

// checkHolder проверяет, что workerID держит lease.
func (t *Task) checkHolder(workerID string) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrAlreadyTerminal, t.ID, t.Status)
	}
	if t.Status != TaskStatusLeased || t.LockedBy == "" || t.LockedBy != workerID {
		return fmt.Errorf("%w: task %s is held by %q", ErrNotOwner, t.ID, t.LockedBy)
	}
	return nil
}

// releaseLease снимает lease.
func (t *Task) releaseLease() {
	t.LockedBy = ""
	t.LeaseUntil = nil
}

// Complete переводит task в COMPLETED.
func (t *Task) Complete(workerID string, result map[string]any, now time.Time) error {
	if err := t.checkHolder(workerID); err != nil {
		return err
	}
	finished := now
	t.Status = TaskStatusCompleted
	t.Result = result
	t.Progress = 100
	t.FinishedAt = &finished
	t.UpdatedAt = now
	t.releaseLease()
	return nil
}

// Fail обрабатывает ошибку выполнения.
//
// Если permanent == false и попытки не исчерпаны, task возвращается в QUEUED
// с run_after = now + backoff(attempts). Иначе task становится FAILED.
// Возвращает true, если task ушёл в финальный статус.
func (t *Task) Fail(workerID, message string, now time.Time, backoff Backoff, permanent bool) (bool, error) {
	if err := t.checkHolder(workerID); err != nil {
		return false, err
	}

	message = strings.TrimSpace(message)
	if message == "" {
		message = "unknown error"
	}
	t.ErrorMessage = message
	t.UpdatedAt = now
	t.releaseLease()

	if !permanent && t.Attempts < t.MaxAttempts {
		var delay time.Duration
		if backoff != nil {
			delay = backoff(t.Attempts)
		}
		t.Status = TaskStatusQueued
		t.RunAfter = now.Add(delay)
		return false, nil
	}

	finished := now
	t.Status = TaskStatusFailed
	t.FinishedAt = &finished
	return true, nil
}

// UpdateProgress обновляет прогресс. Разрешено только держателю lease.
func (t *Task) UpdateProgress(workerID string, percent int, message string, now time.Time) error {
	if t.LockedBy != workerID {
		return fmt.Errorf("%w: task %s is held by %q", ErrNotOwner, t.ID, t.LockedBy)
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: progress %d not in 0..100", ErrOutOfRange, percent)
	}
	if t.Status != TaskStatusLeased {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidState, t.ID, t.Status)
	}
	t.Progress = percent
	t.ProgressMessage = message
	t.UpdatedAt = now
	return nil
}

// ExtendLease продлевает lease держателя до now + lease.
func (t *Task) ExtendLease(workerID string, now time.Time, lease time.Duration) error {
	if err := t.checkHolder(workerID); err != nil {
		return err
	}
	until := now.Add(lease)
	t.LeaseUntil = &until
	t.UpdatedAt = now
	return nil
}

// Reclaim возвращает task с истёкшим lease в очередь.
// attempts не меняется: попытка уже засчитана при claim.
// Если попытки исчерпаны, task становится FAILED. Возвращает true в этом случае.
func (t *Task) Reclaim(now time.Time) bool {
	t.releaseLease()
	t.UpdatedAt = now
	if t.Attempts >= t.MaxAttempts {
		finished := now
		t.Status = TaskStatusFailed
		t.ErrorMessage = LeaseExpiredMessage(t.Attempts)
		t.FinishedAt = &finished
		return true
	}
	t.Status = TaskStatusQueued
	t.RunAfter = now
	t.ErrorMessage = LeaseExpiredMessage(t.Attempts)
	return false
}

// Requeue возвращает FAILED task в очередь с обнулёнными попытками.
func (t *Task) Requeue(now time.Time) error {
	if t.Status != TaskStatusFailed {
		return fmt.Errorf("%w: only FAILED tasks can be requeued, task %s is %s", ErrInvalidState, t.ID, t.Status)
	}
	t.Status = TaskStatusQueued
	t.Attempts = 0
	t.RunAfter = now
	t.FinishedAt = nil
	t.Progress = 0
	t.ProgressMessage = ""
	t.UpdatedAt = now
	return nil
}

// LeaseExpiredMessage — текст ошибки для task, чей lease истёк.
func LeaseExpiredMessage(attempts int) string {
	return fmt.Sprintf("lease expired after %d attempts", attempts)
}
