package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Topic names a logical stream of messages. Backends map topics onto their
// own exchanges and queues.
type Topic string

const (
	// TopicTasks carries task triggers out to workers and results back.
	TopicTasks Topic = "task"
	// TopicWebhooks carries webhook event envelopes to the delivery worker.
	TopicWebhooks Topic = "webhook"
)

var (
	ErrClosed       = errors.New("queue client closed")
	ErrNotConnected = errors.New("queue not connected")
)

// Acknowledger settles a single delivery with the broker.
type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}

// Delivery is one consumed message.
type Delivery struct {
	Topic       Topic
	RoutingKey  string
	Body        []byte
	Redelivered bool

	acker Acknowledger
}

func NewDelivery(topic Topic, routingKey string, body []byte, acker Acknowledger) Delivery {
	return Delivery{Topic: topic, RoutingKey: routingKey, Body: body, acker: acker}
}

// Handler is invoked once per delivered message. It must settle the delivery
// through the client's Ack or Nack.
type Handler func(ctx context.Context, d Delivery)

// Client is the message broker contract used by the engine and the sweeps.
type Client interface {
	// Publish sends msg, JSON encoded, durably. Failures are returned, never retried.
	Publish(ctx context.Context, topic Topic, routingKey string, msg any) error
	// PublishDelayed makes msg available to topic consumers after delay.
	PublishDelayed(ctx context.Context, routingKey string, msg any, delay time.Duration, topic Topic) error
	// Consume registers h for messages of topic.
	Consume(ctx context.Context, topic Topic, h Handler) error
	Ack(d Delivery) error
	// Nack returns the delivery to the broker for redelivery after the
	// client's redelivery delay.
	Nack(d Delivery) error
	// Close releases broker resources. It is safe to call more than once.
	Close() error
}

func ack(d Delivery) error {
	if d.acker == nil {
		return errors.New("delivery has no acknowledger")
	}
	return d.acker.Ack()
}

// rejectAfter requeues d once delay has passed so a failing message does not
// spin on the same consumer.
func rejectAfter(d Delivery, delay time.Duration) error {
	if d.acker == nil {
		return errors.New("delivery has no acknowledger")
	}
	if delay <= 0 {
		return d.acker.Reject(true)
	}
	time.AfterFunc(delay, func() {
		if err := d.acker.Reject(true); err != nil {
			log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("delayed nack failed")
		}
	})
	return nil
}
