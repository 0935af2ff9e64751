// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go         — Handler с DI (batch.Controller, logger)
//   - routes.go          — регистрация маршрутов
//   - middleware.go      — middleware (logging, recovery, metrics)
//   - response.go        — унифицированные JSON-ответы и обработка ошибок
//   - dto.go             — Data Transfer Objects (request/response)
//   - batch_handler.go   — обработчики для /batches
//   - message_handler.go — обработчики для /messages
//   - event_handler.go   — приём tracking-событий
package api
