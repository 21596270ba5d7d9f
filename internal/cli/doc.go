// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI — операторская утилита: работает с очередью напрямую через
// queue.Service поверх Postgres (HTTP-фасада у Conveyor нет).
//
// # Ключевые компоненты
//
// ## Service
//
// Подмножество операций queue.Service, нужное командам. Создаётся лениво
// после парсинга PersistentFlags, поэтому --help не требует БД.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: conveyor task list --json | jq .
//
// ## Commands
//
//   - enqueue TYPE: поставить task в очередь
//   - task: list, show, requeue
//   - stats: снимок очереди
//   - reclaim: один проход reclaim sweep
//   - migrate: применить схему БД
//   - events: чтение событий из RabbitMQ (--dead для FAILED)
//
// Каждая группа создаётся фабричной функцией (NewTaskCmd и т.д.),
// принимающей serviceFn и outputFn.
package cli
