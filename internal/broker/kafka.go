// Package broker publishes domain events to Kafka so downstream systems
// (mailers, analytics, finance exports) see ticket and payment outcomes
// without polling the database.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return &Producer{writer: writer}
}

func (p *Producer) PublishEvent(ctx context.Context, key string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("broker: marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("broker: write message: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Publisher is what the services depend on; the Kafka producer and the
// Noop stand-in both satisfy it.
type Publisher interface {
	TicketsIssued(ctx context.Context, e *TicketsIssuedEvent)
	OfferExpired(ctx context.Context, e *OfferExpiredEvent)
	PaymentFlagged(ctx context.Context, e *PaymentFlaggedEvent)
}

// EventPublisher keys every message by event id so all activity for one
// event lands on the same partition in order. Publish failures are logged
// and dropped; the database remains the source of truth.
type EventPublisher struct {
	producer *Producer
}

func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func (ep *EventPublisher) TicketsIssued(ctx context.Context, e *TicketsIssuedEvent) {
	ep.publish(ctx, e.EventID, e)
}

func (ep *EventPublisher) OfferExpired(ctx context.Context, e *OfferExpiredEvent) {
	ep.publish(ctx, e.EventID, e)
}

func (ep *EventPublisher) PaymentFlagged(ctx context.Context, e *PaymentFlaggedEvent) {
	ep.publish(ctx, e.EventID, e)
}

func (ep *EventPublisher) publish(ctx context.Context, eventID string, event any) {
	key := fmt.Sprintf("event-%s", eventID)
	if err := ep.producer.PublishEvent(ctx, key, event); err != nil {
		slog.Error("broker: publish failed", "key", key, "error", err)
	}
}

type Noop struct{}

func (Noop) TicketsIssued(context.Context, *TicketsIssuedEvent)   {}
func (Noop) OfferExpired(context.Context, *OfferExpiredEvent)     {}
func (Noop) PaymentFlagged(context.Context, *PaymentFlaggedEvent) {}
