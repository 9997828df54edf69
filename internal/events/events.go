// Package events publishes booking lifecycle and tracking events for
// downstream analytics.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	BookingRequested  = "booking.requested"
	BookingDispatched = "booking.dispatched"
	BookingAssigned   = "booking.assigned"
	BookingRejected   = "booking.rejected"
	BookingArrived    = "booking.arrived"
	BookingStarted    = "booking.started"
	BookingCompleted  = "booking.completed"
	BookingCancelled  = "booking.cancelled"
	BookingNoProvider = "booking.no_provider"
	TrackingStarted   = "tracking.started"
)

type Event struct {
	Type        string         `json:"type"`
	BookingID   string         `json:"booking_id"`
	ProviderID  string         `json:"provider_id,omitempty"`
	RequesterID string         `json:"requester_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	At          time.Time      `json:"at"`
	Data        map[string]any `json:"data,omitempty"`
}

// Publisher is best-effort: callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by booking id so a booking's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.BookingID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
