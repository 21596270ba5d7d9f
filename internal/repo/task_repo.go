package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/strategy"
)

// Колонки tasks в порядке scanTask.
var taskColumns = []string{
	"id", "type", "status", "priority", "payload", "capabilities",
	"attempts", "max_attempts", "idempotency_key", "dedupe_key",
	"created_at", "run_after", "reserved_at", "lease_until", "locked_by",
	"progress", "progress_message", "result", "error_message",
	"finished_at", "updated_at",
}

// columns возвращает список колонок, опционально с префиксом таблицы.
func columns(alias string) string {
	if alias == "" {
		return strings.Join(taskColumns, ", ")
	}
	prefixed := make([]string, len(taskColumns))
	for i, c := range taskColumns {
		prefixed[i] = alias + "." + c
	}
	return strings.Join(prefixed, ", ")
}

// insertAttempts — сколько раз Insert повторяет поиск конфликтующей записи,
// если она успела исчезнуть между INSERT и SELECT.
const insertAttempts = 3

// DefaultListLimit — лимит List, если он не задан.
const DefaultListLimit = 100

// TaskRepo — репозиторий tasks в PostgreSQL.
//
// Claim построен на SELECT ... FOR UPDATE SKIP LOCKED: конкурентные воркеры
// пропускают строки, уже захваченные другой транзакцией, поэтому один task
// получает не больше одного воркера.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// Insert сохраняет новый task.
//
// При конфликте по idempotency_key или dedupe_key возвращает существующий
// task и created = false.
func (r *TaskRepo) Insert(ctx context.Context, task *domain.Task) (*domain.Task, bool, error) {
	payloadJSON, err := json.Marshal(nonNilMap(task.Payload))
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}
	capsJSON, err := json.Marshal(task.Capabilities)
	if err != nil {
		return nil, false, fmt.Errorf("marshal capabilities: %w", err)
	}
	if task.Capabilities == nil {
		capsJSON = []byte("{}")
	}

	query := `
		INSERT INTO tasks (id, type, status, priority, payload, capabilities,
		                   attempts, max_attempts, idempotency_key, dedupe_key,
		                   created_at, run_after, progress, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $11)
		ON CONFLICT DO NOTHING
		RETURNING ` + columns("")

	for range insertAttempts {
		created, err := scanTask(r.pool.QueryRow(ctx, query,
			task.ID,
			task.Type,
			task.Status,
			task.Priority,
			payloadJSON,
			capsJSON,
			task.Attempts,
			task.MaxAttempts,
			nullString(task.IdempotencyKey),
			nullString(task.DedupeKey),
			task.CreatedAt,
			task.RunAfter,
		))
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("insert task: %w", err)
		}

		existing, err := r.findConflict(ctx, task)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		// Конфликтующий task успел завершиться: повторяем INSERT.
	}
	return nil, false, fmt.Errorf("insert task %s: %w", task.ID, ErrAlreadyExists)
}

// findConflict ищет task, из-за которого INSERT не вставил строку.
func (r *TaskRepo) findConflict(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	if task.IdempotencyKey != "" {
		return scanTask(r.pool.QueryRow(ctx,
			`SELECT `+columns("")+` FROM tasks WHERE idempotency_key = $1`,
			task.IdempotencyKey))
	}
	if task.DedupeKey != "" {
		return scanTask(r.pool.QueryRow(ctx,
			`SELECT `+columns("")+` FROM tasks
			 WHERE dedupe_key = $1 AND status IN ('QUEUED', 'LEASED')`,
			task.DedupeKey))
	}
	return scanTask(r.pool.QueryRow(ctx,
		`SELECT `+columns("")+` FROM tasks WHERE id = $1`, task.ID))
}

// Claim атомарно выбирает eligible task и переводит его в LEASED.
// Возвращает ErrNotFound, если подходящих tasks нет.
func (r *TaskRepo) Claim(ctx context.Context, q domain.ClaimQuery, s strategy.Strategy) (*domain.Task, error) {
	capsJSON, err := json.Marshal(q.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	if q.Capabilities == nil {
		capsJSON = []byte("{}")
	}
	types := q.Types
	if types == nil {
		types = []string{}
	}
	pattern := ""
	if q.TypePattern != "" {
		pattern = domain.LikePattern(q.TypePattern)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	// ORDER BY берётся из закрытого набора стратегий.
	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status = 'QUEUED'
		  AND run_after <= $1
		  AND attempts < max_attempts
		  AND $2::jsonb @> capabilities
		  AND (coalesce(cardinality($3::text[]), 0) = 0 OR type = ANY($3::text[]))
		  AND ($4::text = '' OR type LIKE $4::text)
		ORDER BY %s
		LIMIT %d
		FOR UPDATE SKIP LOCKED
	`, columns(""), s.OrderBy(), max(s.CandidateLimit(), 1))

	rows, err := tx.Query(ctx, query, q.Now, capsJSON, types, pattern)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", classify(err))
	}
	candidates, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}

	chosen := candidates[s.Select(candidates)]
	chosen.Lease(q.WorkerID, q.Now, q.LeaseDuration)

	leased, err := save(ctx, tx, &chosen)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", classify(err))
	}
	return leased, nil
}

// Mutate блокирует task, применяет fn и сохраняет результат в одной транзакции.
// Ошибка fn отменяет транзакцию и возвращается как есть.
func (r *TaskRepo) Mutate(ctx context.Context, id uuid.UUID, fn func(*domain.Task) error) (*domain.Task, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin mutate: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	task, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+columns("")+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(task); err != nil {
		return nil, err
	}

	updated, err := save(ctx, tx, task)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mutate: %w", classify(err))
	}
	return updated, nil
}

// Reclaim возвращает в очередь tasks с истёкшим lease (не больше limit за вызов).
// Tasks с исчерпанными попытками переводятся в FAILED.
func (r *TaskRepo) Reclaim(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	query := `
		WITH expired AS (
			SELECT id FROM tasks
			WHERE status = 'LEASED' AND lease_until < $1
			ORDER BY lease_until
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status        = CASE WHEN t.attempts >= t.max_attempts THEN 'FAILED' ELSE 'QUEUED' END,
		    run_after     = CASE WHEN t.attempts >= t.max_attempts THEN t.run_after ELSE $1 END,
		    finished_at   = CASE WHEN t.attempts >= t.max_attempts THEN $1 ELSE NULL END,
		    locked_by     = NULL,
		    lease_until   = NULL,
		    error_message = 'lease expired after ' || t.attempts || ' attempts',
		    updated_at    = $1
		FROM expired
		WHERE t.id = expired.id
		RETURNING ` + columns("t")

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("reclaim tasks: %w", classify(err))
	}
	return collectTasks(rows)
}

// Get возвращает task по ID.
func (r *TaskRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return scanTask(r.pool.QueryRow(ctx,
		`SELECT `+columns("")+` FROM tasks WHERE id = $1`, id))
}

// List возвращает tasks по фильтру, новые первыми.
func (r *TaskRepo) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT ` + columns("") + ` FROM tasks
		WHERE ($1::text = '' OR status = $1::text)
		  AND ($2::text = '' OR type = $2::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query, string(filter.Status), filter.Type, limit, max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", classify(err))
	}
	return collectTasks(rows)
}

// Stats возвращает снимок очереди на момент now.
func (r *TaskRepo) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	stats := &domain.Stats{Counts: make(map[domain.TaskStatus]int, len(domain.AllStatuses))}
	for _, s := range domain.AllStatuses {
		stats.Counts[s] = 0
	}

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		stats.Counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count tasks: %w", classify(err))
	}

	var oldest *time.Time
	err = r.pool.QueryRow(ctx, `
		SELECT MIN(created_at) FROM tasks
		WHERE status = 'QUEUED' AND run_after <= $1
	`, now).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("oldest queued: %w", classify(err))
	}
	if oldest != nil && now.After(*oldest) {
		stats.OldestQueuedAge = now.Sub(*oldest)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status = 'COMPLETED' AND finished_at >= $1
	`, now.Add(-time.Minute)).Scan(&stats.CompletedLastMinute)
	if err != nil {
		return nil, fmt.Errorf("completed last minute: %w", classify(err))
	}
	return stats, nil
}

// --- Helpers ---

// save записывает изменяемые поля task внутри транзакции.
func save(ctx context.Context, tx pgx.Tx, task *domain.Task) (*domain.Task, error) {
	var resultJSON []byte
	if task.Result != nil {
		var err error
		if resultJSON, err = json.Marshal(task.Result); err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
	}

	query := `
		UPDATE tasks
		SET status = $2, priority = $3, attempts = $4, max_attempts = $5,
		    run_after = $6, reserved_at = $7, lease_until = $8, locked_by = $9,
		    progress = $10, progress_message = $11, result = $12,
		    error_message = $13, finished_at = $14, updated_at = $15
		WHERE id = $1
		RETURNING ` + columns("")

	updated, err := scanTask(tx.QueryRow(ctx, query,
		task.ID,
		task.Status,
		task.Priority,
		task.Attempts,
		task.MaxAttempts,
		task.RunAfter,
		task.ReservedAt,
		task.LeaseUntil,
		nullString(task.LockedBy),
		task.Progress,
		nullString(task.ProgressMessage),
		resultJSON,
		nullString(task.ErrorMessage),
		task.FinishedAt,
		task.UpdatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return updated, nil
}

// scanTask сканирует одну строку. Подходит и для pgx.Row, и для pgx.Rows.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var payloadJSON, capsJSON, resultJSON []byte
	var idemKey, dedupeKey, lockedBy, progressMsg, errMsg *string

	err := row.Scan(
		&task.ID,
		&task.Type,
		&task.Status,
		&task.Priority,
		&payloadJSON,
		&capsJSON,
		&task.Attempts,
		&task.MaxAttempts,
		&idemKey,
		&dedupeKey,
		&task.CreatedAt,
		&task.RunAfter,
		&task.ReservedAt,
		&task.LeaseUntil,
		&lockedBy,
		&task.Progress,
		&progressMsg,
		&resultJSON,
		&errMsg,
		&task.FinishedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", classify(err))
	}

	task.Payload = map[string]any{}
	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &task.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	task.Capabilities = map[string]string{}
	if capsJSON != nil {
		if err := json.Unmarshal(capsJSON, &task.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	task.IdempotencyKey = derefString(idemKey)
	task.DedupeKey = derefString(dedupeKey)
	task.LockedBy = derefString(lockedBy)
	task.ProgressMessage = derefString(progressMsg)
	task.ErrorMessage = derefString(errMsg)

	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]domain.Task, error) {
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return tasks, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
