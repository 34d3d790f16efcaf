// Package telemetry обеспечивает наблюдаемость клиента.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики
//
// Метрики регистрируются в default registry; сервисы, использующие
// библиотеку, экспортируют их через promhttp на /metrics endpoint.
package telemetry
