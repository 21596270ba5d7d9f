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

// ExchangeTasks — topic exchange событий tasks.
// Routing key совпадает с типом события: task.enqueued, task.failed, ...
const ExchangeTasks Exchange = "conveyor.tasks"

// Queues — имена очередей.
const (
	// QueueTaskEvents — все события tasks для внешних потребителей (аудит, UI).
	QueueTaskEvents Queue = "conveyor.task-events"

	// QueueDeadTasks — tasks, окончательно ушедшие в FAILED. Разбирается оператором.
	QueueDeadTasks Queue = "conveyor.dead-tasks"
)

// Routing keys.
const (
	RoutingKeyAllTasks RoutingKey = "task.#"
	RoutingKeyEnqueued RoutingKey = "task.enqueued"
	RoutingKeyFailed   RoutingKey = "task.failed"
)

// binding — привязка очереди к exchange.
type binding struct {
	queue      Queue
	routingKey RoutingKey
}

var durableBindings = []binding{
	{QueueTaskEvents, RoutingKeyAllTasks},
	{QueueDeadTasks, RoutingKeyFailed},
}

// SetupTopology объявляет exchange и durable очереди. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchange(ch); err != nil {
			return err
		}

		for _, b := range durableBindings {
			_, err := ch.QueueDeclare(
				string(b.queue), // name
				true,            // durable
				false,           // delete when unused
				false,           // exclusive
				false,           // no-wait
				nil,             // arguments
			)
			if err != nil {
				return fmt.Errorf("declare queue %s: %w", b.queue, err)
			}
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(ExchangeTasks), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, ExchangeTasks, err)
			}
		}
		return nil
	})
}

// DeclareWakeupQueue объявляет эксклюзивную auto-delete очередь воркера,
// привязанную к task.enqueued. Имя генерирует брокер.
//
// Очередь живёт, пока живо соединение: сообщения нужны только
// работающему воркеру, чтобы проснуться раньше poll interval.
func DeclareWakeupQueue(ctx context.Context, conn *Connection) (Queue, error) {
	var name Queue
	err := conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchange(ch); err != nil {
			return err
		}
		q, err := ch.QueueDeclare(
			"",    // name (сгенерирует брокер)
			false, // durable
			true,  // delete when unused
			true,  // exclusive
			false, // no-wait
			amqp.Table{"x-max-length": int32(100), "x-overflow": "drop-head"},
		)
		if err != nil {
			return fmt.Errorf("declare wakeup queue: %w", err)
		}
		if err := ch.QueueBind(q.Name, string(RoutingKeyEnqueued), string(ExchangeTasks), false, nil); err != nil {
			return fmt.Errorf("bind wakeup queue: %w", err)
		}
		name = Queue(q.Name)
		return nil
	})
	return name, err
}

func declareExchange(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		string(ExchangeTasks), // name
		amqp.ExchangeTopic,    // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeTasks, err)
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.tasks (topic)
    ├── conveyor.task-events [routing: task.#]
    │       Consumer: external (audit, dashboards)
    ├── conveyor.dead-tasks  [routing: task.failed]
    │       Manual processing
    └── amq.gen-* (exclusive, per worker) [routing: task.enqueued]
            Consumer: Worker wake-up
  `
}
