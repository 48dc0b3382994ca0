package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Cascade/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// MessageTypeStepReady — шаг принят контроллером и ждёт исполнителя.
const MessageTypeStepReady MessageType = "step.ready"

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// StepReadyPayload — задание для воркера: какой шаг какого тенанта запускать.
// Шаг передаётся целиком, чтобы воркер не зависел от своего реестра.
type StepReadyPayload struct {
	RunID    uuid.UUID          `json:"runId"`
	TenantID string             `json:"tenantId"`
	Step     domain.CascadeStep `json:"step"`
}

// NewMessage собирает сообщение с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	headers := amqp.Table{}
	injectTrace(ctx, headers)

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			true, // mandatory: без привязанной очереди сообщение вернётся
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Headers:      headers,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishStepReady ставит запуск шага в очередь steps.ready.
// Потребитель: cascade-worker.
func (p *Publisher) PublishStepReady(ctx context.Context, payload StepReadyPayload) error {
	return p.Publish(ctx, ExchangeSteps, RoutingKeyReady, NewMessage(MessageTypeStepReady, payload))
}
