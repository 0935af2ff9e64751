package api

import (
	"log/slog"

	"github.com/shaiso/Outreach/internal/batch"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	batches *batch.Controller
	logger  *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Controller *batch.Controller
	Logger     *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		batches: cfg.Controller,
		logger:  logger,
	}
}
