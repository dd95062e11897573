package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ridetrack/internal/tracking/domain"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher writes tracking events to a RabbitMQ topic exchange, routed
// by event type, e.g. location.sampled.
type AMQPPublisher struct {
	ch       amqpChannel
	exchange string
}

// NewAMQPPublisher declares exchange as a durable topic exchange on ch.
func NewAMQPPublisher(ch *amqp.Channel, exchange string) (*AMQPPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}, nil
}

// Publish satisfies domain.EventPublisher.
func (p *AMQPPublisher) Publish(ctx context.Context, event domain.TrackingEvent) error {
	if p == nil || p.ch == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = p.ch.PublishWithContext(ctx, p.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.CreatedAt,
		Type:         string(event.Type),
		Headers:      amqp.Table{"x-trace-id": traceIDFromContext(ctx), "x-driver-id": event.DriverID},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}
