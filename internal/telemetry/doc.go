// Package telemetry — логирование (slog) и метрики Prometheus.
//
// Все сервисы логируют в одном формате и экспортируют метрики на /metrics.
package telemetry
