package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig describes the RabbitMQ connection for outgoing notifications.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"` // empty publishes to the default exchange
	Queue    string `yaml:"queue"`    // routing key; declared when Exchange is empty
	Durable  bool   `yaml:"durable"`
}

// amqpChannel is the subset of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes notifications as JSON messages to RabbitMQ, for chat
// gateways that relay them to the user.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	key      string
}

// NewAMQPPublisher connects to RabbitMQ and declares the queue.
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp: URL is required")
	}
	key := cfg.Queue
	if key == "" {
		key = "aie.notifications"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: failed to connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: failed to open channel: %w", err)
	}
	if cfg.Exchange == "" {
		if _, err := ch.QueueDeclare(key, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("amqp: failed to declare queue %s: %w", key, err)
		}
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: cfg.Exchange, key: key}, nil
}

// Notify publishes n.
func (p *AMQPPublisher) Notify(ctx context.Context, n Notification) error {
	if p == nil || p.ch == nil {
		return errors.New("amqp: publisher is not initialized")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("amqp: failed to marshal notification: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, p.key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     n.CreatedAt,
		Type:          string(n.Kind),
		CorrelationId: n.ConversationID,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("amqp: failed to publish notification: %w", err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
