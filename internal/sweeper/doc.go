// Package sweeper реализует reclaim sweep — периодический проход,
// возвращающий в очередь tasks, чей lease истёк (воркер упал или завис).
//
// Структура:
//   - sweeper.go — Sweeper (Tick, Run, leader election)
//   - cron.go    — разбор расписания RECLAIM_SCHEDULE
//
// Использование:
//
//	schedule, err := sweeper.ParseSchedule("@every 15s")
//	sw := sweeper.New(sweeper.Config{
//	    Queue:    svc,                                        // *queue.Service
//	    Leader:   repo.NewLeaderLock(pool, repo.SweeperLockKey), // опционально
//	    Schedule: schedule,
//	    Logger:   logger,
//	})
//	go sw.Run(ctx)
//
// Reclaim идемпотентен и использует те же атомарные conditional update,
// что и Claim, поэтому несколько sweeper'ов могут работать одновременно.
// Leader election нужен только чтобы не дублировать работу и метрики.
package sweeper
