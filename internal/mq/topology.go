package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeSteps Exchange = "cascade.steps"
	ExchangeDLQ   Exchange = "cascade.dlq"
)

// Queues — имена очередей.
const (
	QueueStepsReady Queue = "steps.ready"
	QueueDLQSteps   Queue = "dlq.steps"
)

// Routing keys.
const (
	RoutingKeyReady    RoutingKey = "ready"
	RoutingKeyDLQSteps RoutingKey = "steps"
)

// SetupTopology объявляет exchanges, очереди и привязки сейчас и после
// каждого переподключения. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.OnConnect(ctx, declareTopology)
}

func declareTopology(ch *amqp.Channel) error {
	if err := declareExchanges(ch); err != nil {
		return err
	}
	if err := declareQueues(ch); err != nil {
		return err
	}
	return bindQueues(ch)
}

func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []Exchange{ExchangeSteps, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(name), // name
			"direct",     // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	return nil
}

func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// steps.ready — отклонённые запуски уходят в DLQ, повторов нет
		{QueueStepsReady, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQSteps),
		}},
		{QueueDLQSteps, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueStepsReady, RoutingKeyReady, ExchangeSteps},
		{QueueDLQSteps, RoutingKeyDLQSteps, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Cascade RabbitMQ Topology:

    cascade.steps (direct)
    └── steps.ready [routing: ready]
            Consumer: cascade-worker
            DLQ: dlq.steps

    cascade.dlq (direct)
    └── dlq.steps [routing: steps]
            Manual processing
  `
}
