// Package worker выполняет tasks из очереди.
//
// # Обзор
//
// Worker — stateless процесс: цикл poll → claim → execute → report.
// Всё состояние tasks хранится в БД, поэтому воркеры масштабируются
// горизонтально и координируются только через Claim (at-most-one-owner
// обеспечивает хранилище).
//
//	reg := worker.NewRegistry()
//	worker.RegisterBuiltins(reg)
//	reg.MustRegister("image.resize", worker.HandlerFunc(resize))
//
//	w := worker.New(worker.Config{
//	    Queue:        svc,
//	    Registry:     reg,
//	    Conn:         mqConn, // опционально
//	    Capabilities: map[string]string{"gpu": "true"},
//	    Strategy:     strategy.Priority(),
//	    Concurrency:  4,
//	})
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Registry
//
// Handler'ы регистрируются явно по типу task. Повторная регистрация
// возвращает ErrAlreadyRegistered (если не указан AllowOverride).
// Task неизвестного типа сразу становится FAILED.
//
// Встроенные handler'ы: http, delay, echo.
//
// # Исход выполнения
//
//   - handler вернул result → Complete
//   - ошибка → Fail: retry с backoff, пока не исчерпаны attempts
//   - Permanent(err) или неизвестный тип → FAILED без retry
//   - panic → обычная ошибка (retry)
//
// Пока handler работает, lease продлевается каждые lease/3. Если lease
// потерян (task reclaim'нут и захвачен другим воркером), context handler'а
// отменяется и результат отбрасывается.
//
// # Пробуждение
//
// Если задан Conn, воркер подписывается на событие task.enqueued через
// собственную exclusive очередь и просыпается раньше poll interval.
// Без RabbitMQ работает только polling.
//
// # Остановка
//
// Stop прекращает claim новых tasks и ждёт in-flight tasks ShutdownGrace.
// После этого их context отменяется, отчёт не отправляется, и task
// возвращается в очередь через reclaim после истечения lease.
package worker
