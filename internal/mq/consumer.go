package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPoison — обработчик не сможет обработать сообщение ни при какой попытке.
// Такое сообщение уходит в DLQ без возврата в очередь.
var ErrPoison = errors.New("poison message")

// Handler обрабатывает событие. nil — ack, ErrPoison — в DLQ, иначе — вернуть в очередь.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery — полученное событие.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

// Consumer читает одну очередь и переживает переподключения.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	handler  Handler
	prefetch int

	cancel context.CancelFunc
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Queue    Queue
	Handler  Handler
	Prefetch int // default: 1
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", cfg.Queue),
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start блокирует до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for {
		deliveries, err := c.subscribe()
		if err == nil {
			c.logger.Info("consumer started")
			err = c.drain(ctx, deliveries)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("consumer interrupted, waiting for reconnect", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.ReconnectNotify():
		}
	}
}

// Stop прерывает Start.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNotConnected
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(string(c.queue), "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	return deliveries, nil
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, raw)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("malformed event", "error", err, "body", string(raw.Body))
		raw.Nack(false, false)
		return
	}

	err := c.handler(ctx, &Delivery{Message: msg, Raw: raw})
	switch {
	case err == nil:
		raw.Ack(false)
	case errors.Is(err, ErrPoison):
		c.logger.Error("event rejected", "event_id", msg.ID, "type", msg.Type, "error", err)
		raw.Nack(false, false)
	default:
		c.logger.Warn("event handler failed, requeueing", "event_id", msg.ID, "type", msg.Type, "error", err)
		raw.Nack(false, !raw.Redelivered)
	}
}

// ParsePayload декодирует Payload события в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var out T
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return out, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s payload: %v", ErrPoison, msg.Type, err)
	}
	return out, nil
}
