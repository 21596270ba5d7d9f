package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler — функция обработки сообщения.
// Возвращает error, если обработка не удалась (сообщение будет nack с requeue).
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	// Message — распарсенный конверт.
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// Consumer потребляет сообщения из очереди RabbitMQ и переподписывается
// после reconnect.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	declare  func(ctx context.Context) (Queue, error)
	handler  Handler
	prefetch int
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя существующей очереди.
	Queue Queue

	// Declare (опционально) вызывается перед каждой подпиской и возвращает
	// имя очереди. Нужен для эксклюзивных очередей, которые исчезают
	// вместе с соединением (см. DeclareWakeupQueue).
	Declare func(ctx context.Context) (Queue, error)

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		declare:  cfg.Declare,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Run потребляет сообщения до отмены ctx.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, queue, err := c.subscribe(ctx)
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("consumer started", "queue", queue)
		c.processDeliveries(ctx, queue, deliveries)
		if err := ctx.Err(); err != nil {
			return err
		}

		c.logger.Warn("deliveries channel closed, waiting for reconnect", "queue", queue)
		if err := c.waitReconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Consumer) waitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.ReconnectNotify():
		return nil
	}
}

// subscribe настраивает prefetch и начинает потребление.
func (c *Consumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, Queue, error) {
	queue := c.queue
	if c.declare != nil {
		q, err := c.declare(ctx)
		if err != nil {
			return nil, "", err
		}
		queue = q
	}

	var deliveries <-chan amqp.Delivery
	err := c.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
		d, err := ch.ConsumeWithContext(ctx,
			string(queue), // queue
			"",            // consumer tag (auto-generated)
			false,         // auto-ack (мы ack вручную)
			false,         // exclusive
			false,         // no-local
			false,         // no-wait
			nil,           // args
		)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		deliveries = d
		return nil
	})
	return deliveries, queue, err
}

// processDeliveries обрабатывает сообщения, пока канал открыт.
func (c *Consumer) processDeliveries(ctx context.Context, queue Queue, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(ctx, queue, raw)
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, queue Queue, raw amqp.Delivery) {
	msg, err := DecodeMessage(raw.Body)
	if err != nil {
		c.logger.Error("failed to decode message", "queue", queue, "error", err)
		// Некорректное сообщение не станет корректным при повторе
		_ = raw.Nack(false, false)
		return
	}

	if err := c.handler(ctx, &Delivery{Message: *msg, Raw: raw}); err != nil {
		c.logger.Warn("handler failed",
			"queue", queue,
			"message_id", msg.ID,
			"type", msg.Type,
			"error", err,
		)
		_ = raw.Nack(false, !raw.Redelivered)
		return
	}
	_ = raw.Ack(false)
}

// DecodeMessage разбирает конверт сообщения.
func DecodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message %q has no type", msg.ID)
	}
	return &msg, nil
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// После DecodeMessage payload — map[string]any, перекодируем в T
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}
