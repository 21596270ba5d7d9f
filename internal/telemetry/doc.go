// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики очереди (conveyor_*)
//
// Все процессы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
