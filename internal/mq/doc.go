// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Через очередь контроллер отдаёт запуски шагов отдельному процессу
// cascade-worker. Статус шага при этом по-прежнему живёт только
// в хранилище: сообщение несёт задание, а не состояние.
//
// Структура:
//   - connection.go — соединение с reconnect и graceful shutdown
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация step.ready
//   - consumer.go   — потребление с ack/nack
//   - carrier.go    — trace context в заголовках сообщений
//
// Exchanges:
//   - cascade.steps — запуски шагов
//   - cascade.dlq   — отклонённые запуски
package mq
