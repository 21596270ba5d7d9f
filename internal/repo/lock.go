package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SweeperLockKey — ключ advisory lock лидера sweeper'а.
const SweeperLockKey int64 = 424243

// LeaderLock — session-level advisory lock PostgreSQL.
//
// Session lock принадлежит соединению, поэтому LeaderLock держит отдельное
// соединение из пула на всё время лидерства: lock и unlock выполняются
// на одном и том же соединении.
type LeaderLock struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// closeTimeout ограничивает закрытие соединения, не зависящее от ctx вызывающего.
const closeTimeout = 5 * time.Second

// NewLeaderLock создаёт lock с ключом key.
func NewLeaderLock(pool *pgxpool.Pool, key int64) *LeaderLock {
	return &LeaderLock{pool: pool, key: key}
}

// TryAcquire пытается стать лидером. Возвращает true, если lock уже
// удерживается этим процессом или был только что получен.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		// Проверяем, что соединение живо: при обрыве lock потерян.
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// Ping мог упасть из-за отмены ctx при живой сессии: закрываем
		// соединение, чтобы lock не вернулся в пул вместе с ним.
		l.dropConn()
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", classify(err))
	}

	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", classify(err))
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release отпускает lock и возвращает соединение в пул.
func (l *LeaderLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil

	if _, err := conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key); err != nil {
		// Соединение в неизвестном состоянии: закрываем его, lock уйдёт вместе с сессией.
		closeConn(conn)
		return fmt.Errorf("advisory unlock: %w", classify(err))
	}
	conn.Release()
	return nil
}

// dropConn закрывает удерживаемое соединение. Вызывается под l.mu.
func (l *LeaderLock) dropConn() {
	closeConn(l.conn)
	l.conn = nil
}

// closeConn закрывает соединение и возвращает его в пул, который его уничтожит.
// Сессия завершается, и advisory lock освобождается сервером.
func closeConn(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = conn.Conn().Close(ctx)
	conn.Release()
}
