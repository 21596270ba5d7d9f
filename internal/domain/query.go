package domain

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

// ClaimQuery — предикат выбора task для claim.
//
// Eligible: status = QUEUED, run_after <= Now, attempts < max_attempts,
// capabilities task ⊆ capabilities воркера, тип проходит фильтры.
type ClaimQuery struct {
	WorkerID     string
	Capabilities map[string]string

	// Types — если не пустой, task.type должен входить в список.
	Types []string

	// TypePattern — glob с '*', например "email.*".
	TypePattern string

	Now           time.Time
	LeaseDuration time.Duration
}

// Matches проверяет, подходит ли task под запрос.
func (q ClaimQuery) Matches(t *Task) bool {
	if t.Status != TaskStatusQueued {
		return false
	}
	if t.RunAfter.After(q.Now) {
		return false
	}
	if t.Attempts >= t.MaxAttempts {
		return false
	}
	if len(q.Types) > 0 && !slices.Contains(q.Types, t.Type) {
		return false
	}
	if q.TypePattern != "" && !MatchTypePattern(q.TypePattern, t.Type) {
		return false
	}
	return CapabilitiesSatisfied(t.Capabilities, q.Capabilities)
}

// CapabilitiesSatisfied проверяет, что каждое требование task есть у воркера
// с тем же значением.
func CapabilitiesSatisfied(required, offered map[string]string) bool {
	for k, v := range required {
		if got, ok := offered[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// MatchTypePattern сопоставляет тип с glob-шаблоном, где '*' — любая подстрока.
func MatchTypePattern(pattern, taskType string) bool {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(taskType)
}

// LikePattern переводит glob-шаблон в SQL LIKE (экранирование через '\').
func LikePattern(pattern string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `*`, `%`)
	return r.Replace(pattern)
}

// TaskFilter — параметры фильтрации tasks.
type TaskFilter struct {
	Status TaskStatus
	Type   string
	Limit  int
	Offset int
}

// Stats — снимок состояния очереди.
type Stats struct {
	// Counts — количество tasks по статусам.
	Counts map[TaskStatus]int `json:"counts"`

	// OldestQueuedAge — возраст самого старого eligible task в очереди.
	OldestQueuedAge time.Duration `json:"oldest_queued_age"`

	// CompletedLastMinute — пропускная способность за последнюю минуту.
	CompletedLastMinute int `json:"completed_last_minute"`
}

// Total возвращает общее количество tasks.
func (s *Stats) Total() int {
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}
