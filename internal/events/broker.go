package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ridecore/internal/domain"
)

const dialAttempts = 5

// ErrNotConfirmed is returned when the broker nacks a publication.
var ErrNotConfirmed = errors.New("broker did not confirm the message")

// Broker publishes lifecycle events to a durable topic exchange with
// publisher confirms, and opens consumer channels on the same connection.
type Broker struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger

	mu sync.Mutex // serializes publish + confirm on ch
}

// Dial connects to url, retrying with exponential backoff, and declares the exchange.
func Dial(ctx context.Context, url, exchange string, logger *slog.Logger) (*Broker, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq connect attempt failed", "attempt", attempt, "error", err)
		if attempt == dialAttempts {
			return nil, fmt.Errorf("failed to connect to RabbitMQ after retries: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	logger.Info("connected to RabbitMQ", "exchange", exchange)
	return &Broker{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

// Send publishes one event, routed by its type, and waits for the broker confirm.
func (b *Broker) Send(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	confirm, err := b.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		b.exchange,
		string(event.Type),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.DedupKey(),
			Timestamp:    event.OccurredAt,
			Type:         string(event.Type),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}

	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm of %s: %w", event.Type, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, event.Type)
	}
	return nil
}

// Consume declares a durable queue bound to routingKey and starts a manual-ack
// consumer with the given prefetch on its own channel.
func (b *Broker) Consume(queue, routingKey string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, b.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return deliveries, nil
}

// Close closes the channel and the connection.
func (b *Broker) Close() error {
	var errs []error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	b.logger.Info("RabbitMQ connection closed")
	return errors.Join(errs...)
}
