package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип события.
type MessageType string

const (
	MessageTypeBatchApproved   MessageType = "batch.approved"
	MessageTypeBatchFinished   MessageType = "batch.finished"
	MessageTypeMessageFinished MessageType = "message.finished"
)

// Message — конверт события.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// BatchApprovedPayload — батч одобрен и ждёт планирования.
type BatchApprovedPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
	OwnerID string    `json:"owner_id"`
}

// BatchFinishedPayload — батч перешёл в терминальный статус.
type BatchFinishedPayload struct {
	BatchID   uuid.UUID `json:"batch_id"`
	OwnerID   string    `json:"owner_id"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
}

// MessageFinishedPayload — сообщение вышло из конвейера доставки.
type MessageFinishedPayload struct {
	MessageID   uuid.UUID `json:"message_id"`
	BatchID     uuid.UUID `json:"batch_id"`
	TrackingKey string    `json:"tracking_key"`
	Status      string    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	Error       string    `json:"error,omitempty"`
}

// Publisher публикует события в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish отправляет сообщение с persistent delivery mode.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         string(msg.Type),
			Timestamp:    msg.Timestamp,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish %s to %s/%s: %w", msg.Type, exchange, routingKey, err)
		}

		p.logger.Debug("event published", "type", msg.Type, "event_id", msg.ID)
		return nil
	})
}

func (p *Publisher) publishEvent(ctx context.Context, exchange Exchange, key RoutingKey, typ MessageType, payload any) error {
	return p.Publish(ctx, exchange, key, &Message{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// PublishBatchApproved сообщает планировщику об одобренном батче.
func (p *Publisher) PublishBatchApproved(ctx context.Context, batchID uuid.UUID, ownerID string) error {
	return p.publishEvent(ctx, ExchangeBatches, RoutingKeyApproved, MessageTypeBatchApproved,
		BatchApprovedPayload{BatchID: batchID, OwnerID: ownerID})
}

// PublishBatchFinished сообщает о завершении батча.
func (p *Publisher) PublishBatchFinished(ctx context.Context, payload BatchFinishedPayload) error {
	return p.publishEvent(ctx, ExchangeBatches, RoutingKeyFinished, MessageTypeBatchFinished, payload)
}

// PublishMessageFinished сообщает о финальном исходе доставки сообщения.
func (p *Publisher) PublishMessageFinished(ctx context.Context, payload MessageFinishedPayload) error {
	return p.publishEvent(ctx, ExchangeMessages, RoutingKeyFinished, MessageTypeMessageFinished, payload)
}
