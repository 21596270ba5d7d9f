package domain

import "strings"

// TaskStatus — статус task в очереди.
//
// Жизненный цикл:
//
//	QUEUED → LEASED → COMPLETED
//	                ↘ QUEUED (retry или истёкший lease)
//	                ↘ FAILED (попытки исчерпаны или терминальная ошибка)
type TaskStatus string

const (
	// TaskStatusQueued — task в очереди, доступен для claim после run_after.
	TaskStatusQueued TaskStatus = "QUEUED"

	// TaskStatusLeased — task захвачен воркером (locked_by + lease_until).
	// Отдельного статуса processing нет: leased покрывает и выполнение.
	TaskStatusLeased TaskStatus = "LEASED"

	// TaskStatusCompleted — task успешно выполнен.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed — task окончательно провален (dead task).
	TaskStatusFailed TaskStatus = "FAILED"
)

// AllStatuses перечисляет статусы в порядке жизненного цикла.
var AllStatuses = []TaskStatus{
	TaskStatusQueued,
	TaskStatusLeased,
	TaskStatusCompleted,
	TaskStatusFailed,
}

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsActive возвращает true для статусов, в которых task ещё может выполниться.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusQueued || s == TaskStatusLeased
}

// String возвращает строковое представление TaskStatus.
func (s TaskStatus) String() string {
	return string(s)
}

// ParseTaskStatus парсит строку в TaskStatus.
// Принимает значения в любом регистре; для неизвестных возвращает false.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch TaskStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case TaskStatusQueued:
		return TaskStatusQueued, true
	case TaskStatusLeased:
		return TaskStatusLeased, true
	case TaskStatusCompleted:
		return TaskStatusCompleted, true
	case TaskStatusFailed:
		return TaskStatusFailed, true
	default:
		return "", false
	}
}
