// Package queue publishes commerce events to RabbitMQ for downstream
// fulfilment and analytics.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

const CheckoutSucceededQueue = "checkout.succeeded"

// Publisher keeps one connection and reopens it after the broker drops it.
// Messages are persistent and go through the default exchange to a durable
// queue.
type Publisher struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ domain.CheckoutEventPublisher = (*Publisher)(nil)

func NewPublisher(url string) *Publisher {
	return &Publisher{url: url}
}

func (p *Publisher) PublishCheckoutSucceeded(ctx context.Context, event domain.CheckoutSucceededEvent) error {
	msg, err := publishing(event)
	if err != nil {
		metrics.CheckoutEventsPublished.WithLabelValues("error").Inc()
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		metrics.CheckoutEventsPublished.WithLabelValues("error").Inc()
		return err
	}

	if err := ch.PublishWithContext(ctx, "", CheckoutSucceededQueue, false, false, msg); err != nil {
		p.reset()
		metrics.CheckoutEventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish checkout event: %w", err)
	}
	metrics.CheckoutEventsPublished.WithLabelValues("ok").Inc()
	return nil
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}

// channel returns the open channel, dialing if needed. Callers hold mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(CheckoutSucceededQueue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	p.conn, p.ch = conn, ch
	slog.Info("Connected to message broker", "queue", CheckoutSucceededQueue)
	return ch, nil
}

func (p *Publisher) reset() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

func publishing(event domain.CheckoutSucceededEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode checkout event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.IntentID.String(),
		Type:         CheckoutSucceededQueue,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}, nil
}

// LogPublisher is used when no broker is configured. Events are only logged.
type LogPublisher struct{}

var _ domain.CheckoutEventPublisher = LogPublisher{}

func (LogPublisher) PublishCheckoutSucceeded(ctx context.Context, event domain.CheckoutSucceededEvent) error {
	slog.InfoContext(ctx, "Checkout succeeded",
		"session_id", event.SessionID.String(),
		"item_id", event.ItemID,
		"order_id", event.OrderID,
	)
	metrics.CheckoutEventsPublished.WithLabelValues("logged").Inc()
	return nil
}
