// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchange, очередей и привязок
//   - publisher.go  — публикация событий tasks (реализует queue.EventPublisher)
//   - consumer.go   — потребление сообщений из очередей
//
// RabbitMQ здесь не источник истины: состояние tasks хранится в PostgreSQL.
// События лишь сообщают о переходах, а task.enqueued будит воркеры
// раньше poll interval. Потеря сообщения ничего не ломает.
//
// События (routing key = тип):
//   - task.enqueued   — новый task или requeue
//   - task.completed  — task выполнен
//   - task.retrying   — ошибка, task вернулся в очередь с backoff
//   - task.failed     — task окончательно провален
//   - task.reclaimed  — lease истёк, task возвращён в очередь
package mq
