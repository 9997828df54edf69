package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/models"
)

// publisher is satisfied by *amqp.Channel.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes notifications to a topic exchange. Routing keys are
// notify.<role>.<id>; downstream mailers and push workers bind to them.
type AMQPNotifier struct {
	pub      publisher
	exchange string
	conn     *amqp.Connection
}

// DialAMQP connects, opens a channel and declares the topic exchange.
func DialAMQP(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{pub: ch, exchange: exchange, conn: conn}, nil
}

func (a *AMQPNotifier) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

func (a *AMQPNotifier) NotifyProvider(ctx context.Context, providerID string, n models.Notification) error {
	return a.publish(ctx, fmt.Sprintf("notify.%s.%s", RoleProvider, providerID), n)
}

func (a *AMQPNotifier) NotifyRequester(ctx context.Context, requesterID string, n models.Notification) error {
	return a.publish(ctx, fmt.Sprintf("notify.%s.%s", RoleRequester, requesterID), n)
}

func (a *AMQPNotifier) NotifyAdmins(ctx context.Context, n models.Notification) error {
	return a.publish(ctx, "notify."+string(RoleAdmin), n)
}

func (a *AMQPNotifier) publish(ctx context.Context, key string, n models.Notification) error {
	const op = "AMQPNotifier.publish"
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}
	err = a.pub.PublishWithContext(ctx, a.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
