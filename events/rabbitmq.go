package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "workflow.events"

// publishTimeout bounds a single publish so a stalled broker never holds
// up the bus goroutine for long.
const publishTimeout = 3 * time.Second

// message is the envelope written to the exchange.
type message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   Event     `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// RabbitSink publishes events to a RabbitMQ topic exchange. Routing keys
// are "<type>.<to_state>", e.g. "state_changed.ROLLED_BACK".
type RabbitSink struct {
	exchange string
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitSink dials url and declares a durable topic exchange.
func NewRabbitSink(url, exchange string, logger *slog.Logger) (*RabbitSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	logger.Info("connected to RabbitMQ", "exchange", exchange)
	return &RabbitSink{exchange: exchange, logger: logger, conn: conn, ch: ch}, nil
}

// RoutingKey returns the routing key used for event.
func RoutingKey(event Event) string {
	if event.ToState == "" {
		return event.Type
	}
	return event.Type + "." + string(event.ToState)
}

// Notify implements Sink. Failures are logged and dropped.
func (s *RabbitSink) Notify(ctx context.Context, event Event) {
	if err := s.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed",
			"type", event.Type,
			"instance_id", event.InstanceID,
			"error", err,
		)
	}
}

// Publish sends one event and returns any transport error.
func (s *RabbitSink) Publish(ctx context.Context, event Event) error {
	msg := message{
		ID:        uuid.New().String(),
		Type:      event.Type,
		Payload:   event,
		Timestamp: time.UnixMilli(event.Timestamp),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return fmt.Errorf("no channel available")
	}
	key := RoutingKey(event)
	err = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", s.exchange, key, err)
	}
	s.logger.Debug("published event", "exchange", s.exchange, "routing_key", key, "message_id", msg.ID)
	return nil
}

// Close closes the channel and connection.
func (s *RabbitSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		if err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}
