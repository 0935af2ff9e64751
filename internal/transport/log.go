package transport

import (
	"context"
	"log/slog"
	"time"
)

// Log ничего не отправляет, только пишет конверт в лог. Для разработки.
type Log struct {
	logger *slog.Logger
}

// NewLog создаёт лог-транспорт.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(ctx context.Context, env Envelope) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.logger.Info("message delivered to log",
		"message_id", env.MessageID,
		"tracking_key", env.TrackingKey,
		"to", env.To,
		"subject", env.Subject,
		"attachments", len(env.Attachments),
	)
	return Receipt{ProviderMessageID: "log-" + env.TrackingKey, AcceptedAt: time.Now()}, nil
}
