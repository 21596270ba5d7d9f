// Package queue — ядро очереди: постановка, claim, отчёты воркеров,
// retry и reclaim.
//
// Service работает поверх Store (repo.TaskRepo для PostgreSQL или
// repo.MemoryTaskRepo для тестов) и не держит состояния между вызовами.
//
// Жизненный цикл task:
//
//	Enqueue → QUEUED
//	Claim   → LEASED (attempts++, lease_until = now + lease)
//	Complete → COMPLETED
//	Fail     → QUEUED (run_after = now + backoff) или FAILED
//	Reclaim  → QUEUED или FAILED для истёкших lease
//
// Ошибки:
//   - domain.ErrNotOwner, domain.ErrAlreadyTerminal — отчёт не от держателя lease
//   - domain.ErrOutOfRange, domain.ErrInvalidState — некорректный progress
//   - repo.ErrNotFound — task не существует
//   - repo.ErrStoreUnavailable — временная ошибка, повторить с backoff
package queue
