package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeBatches  Exchange = "outreach.batches"
	ExchangeMessages Exchange = "outreach.messages"
	ExchangeDLQ      Exchange = "outreach.dlq"
)

const (
	QueueBatchesApproved  Queue = "batches.approved"
	QueueBatchesFinished  Queue = "batches.finished"
	QueueMessagesFinished Queue = "messages.finished"
	QueueDLQ              Queue = "dlq.outreach"
)

const (
	RoutingKeyApproved RoutingKey = "approved"
	RoutingKeyFinished RoutingKey = "finished"
	RoutingKeyDead     RoutingKey = "dead"
)

// queueSpec — очередь и её привязка.
type queueSpec struct {
	name       Queue
	exchange   Exchange
	routingKey RoutingKey
	deadLetter bool
}

// topology — вся схема брокера. Очереди событий с потребителями уходят в DLQ
// после отказа обработчика.
var topology = []queueSpec{
	{QueueBatchesApproved, ExchangeBatches, RoutingKeyApproved, true},
	{QueueBatchesFinished, ExchangeBatches, RoutingKeyFinished, false},
	{QueueMessagesFinished, ExchangeMessages, RoutingKeyFinished, false},
	{QueueDLQ, ExchangeDLQ, RoutingKeyDead, false},
}

// SetupTopology объявляет обменники, очереди и привязки. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeBatches, ExchangeMessages, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		for _, q := range topology {
			var args amqp.Table
			if q.deadLetter {
				args = amqp.Table{
					"x-dead-letter-exchange":    string(ExchangeDLQ),
					"x-dead-letter-routing-key": string(RoutingKeyDead),
				}
			}
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
			if err := ch.QueueBind(string(q.name), string(q.routingKey), string(q.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", q.name, q.exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo описывает схему для стартового лога.
func TopologyInfo() string {
	return `
  outreach.batches (direct)
  ├── batches.approved [approved]  consumer: scheduler, DLQ: dlq.outreach
  └── batches.finished [finished]  audit
  outreach.messages (direct)
  └── messages.finished [finished] audit
  outreach.dlq (direct)
  └── dlq.outreach [dead]          manual processing
`
}
