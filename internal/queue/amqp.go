package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type topicSpec struct {
	exchange string
	queue    string
	binding  string
}

var topology = map[Topic]topicSpec{
	TopicTasks:    {exchange: "lp_tasks", queue: "task_results", binding: "task.result.#"},
	TopicWebhooks: {exchange: "webhook_default_exchange", queue: "webhook_events", binding: "events.#"},
}

func specFor(topic Topic) (topicSpec, error) {
	spec, ok := topology[topic]
	if !ok {
		return topicSpec{}, fmt.Errorf("unknown topic %q", topic)
	}
	return spec, nil
}

// delayedQueueName names the TTL queue that holds messages for one routing key
// and delay until they dead-letter into the target exchange.
func delayedQueueName(routingKey string, delay time.Duration) string {
	return fmt.Sprintf("delayed_%s_%dms", routingKey, delay.Milliseconds())
}

type AMQPConfig struct {
	URL             string
	Prefetch        int
	RedeliveryDelay time.Duration
	ReconnectDelay  time.Duration
}

type consumer struct {
	ctx   context.Context
	topic Topic
	h     Handler
}

// AMQPClient implements Client on a RabbitMQ broker. It reconnects after
// connection loss and re-registers its consumers.
type AMQPClient struct {
	cfg AMQPConfig

	mu        sync.Mutex
	conn      *amqp.Connection
	pub       *amqp.Channel
	consumers []consumer
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
}

// DialAMQP connects to the broker and declares the topology. The initial
// connection must succeed; later losses are retried in the background.
func DialAMQP(cfg AMQPConfig) (*AMQPClient, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	c := &AMQPClient{cfg: cfg, done: make(chan struct{})}
	closed, err := c.connect()
	if err != nil {
		return nil, err
	}
	go c.watch(closed)
	return c, nil
}

func (c *AMQPClient) connect() (chan *amqp.Error, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}
	if err := declareTopology(pub); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.pub = pub
	consumers := append([]consumer(nil), c.consumers...)
	c.mu.Unlock()

	for _, cons := range consumers {
		if err := c.startConsumer(conn, cons); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	log.Info().Int("consumers", len(consumers)).Msg("amqp connected")
	return conn.NotifyClose(make(chan *amqp.Error, 1)), nil
}

func declareTopology(ch *amqp.Channel) error {
	for topic, spec := range topology {
		if err := ch.ExchangeDeclare(spec.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", spec.exchange, err)
		}
		if _, err := ch.QueueDeclare(spec.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s for %s: %w", spec.queue, topic, err)
		}
		if err := ch.QueueBind(spec.queue, spec.binding, spec.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", spec.queue, err)
		}
	}
	return nil
}

func (c *AMQPClient) watch(closed chan *amqp.Error) {
	for {
		select {
		case <-c.done:
			return
		case amqpErr, ok := <-closed:
			if c.isClosed() {
				return
			}
			if ok && amqpErr != nil {
				log.Warn().Str("reason", amqpErr.Reason).Int("code", amqpErr.Code).Msg("amqp connection lost")
			} else {
				log.Warn().Msg("amqp connection closed")
			}
			c.mu.Lock()
			c.conn, c.pub = nil, nil
			c.mu.Unlock()

			next, ok := c.reconnect()
			if !ok {
				return
			}
			closed = next
		}
	}
}

func (c *AMQPClient) reconnect() (chan *amqp.Error, bool) {
	delay := c.cfg.ReconnectDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-c.done:
			return nil, false
		case <-time.After(delay):
		}
		closed, err := c.connect()
		if err == nil {
			return closed, true
		}
		log.Error().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("amqp reconnect failed")
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (c *AMQPClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *AMQPClient) channel() (*amqp.Channel, *amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	if c.pub == nil || c.conn == nil {
		return nil, nil, ErrNotConnected
	}
	return c.pub, c.conn, nil
}

func (c *AMQPClient) Publish(ctx context.Context, topic Topic, routingKey string, msg any) error {
	spec, err := specFor(topic)
	if err != nil {
		return err
	}
	return c.publish(ctx, spec.exchange, routingKey, msg)
}

func (c *AMQPClient) PublishDelayed(ctx context.Context, routingKey string, msg any, delay time.Duration, topic Topic) error {
	spec, err := specFor(topic)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return c.publish(ctx, spec.exchange, routingKey, msg)
	}
	_, conn, err := c.channel()
	if err != nil {
		return err
	}

	name := delayedQueueName(routingKey, delay)
	ms := delay.Milliseconds()
	// A separate channel: a failed declare closes the channel it ran on.
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	_, err = ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    spec.exchange,
		"x-dead-letter-routing-key": routingKey,
		"x-message-ttl":             ms,
		"x-expires":                 ms + int64(time.Minute/time.Millisecond),
	})
	_ = ch.Close()
	if err != nil {
		return fmt.Errorf("declare delayed queue %s: %w", name, err)
	}
	return c.publish(ctx, "", name, msg)
}

func (c *AMQPClient) publish(ctx context.Context, exchange, routingKey string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ch, _, err := c.channel()
	if err != nil {
		return err
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %s/%s confirm: %w", exchange, routingKey, err)
	}
	if !acked {
		return fmt.Errorf("publish %s/%s: broker nacked message", exchange, routingKey)
	}
	return nil
}

func (c *AMQPClient) Consume(ctx context.Context, topic Topic, h Handler) error {
	if _, err := specFor(topic); err != nil {
		return err
	}
	cons := consumer{ctx: ctx, topic: topic, h: h}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.consumers = append(c.consumers, cons)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// picked up on reconnect
		return nil
	}
	return c.startConsumer(conn, cons)
}

func (c *AMQPClient) startConsumer(conn *amqp.Connection, cons consumer) error {
	spec, err := specFor(cons.topic)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp consumer channel: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(spec.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", spec.queue, err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-cons.ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				cons.h(cons.ctx, Delivery{
					Topic:       cons.topic,
					RoutingKey:  d.RoutingKey,
					Body:        d.Body,
					Redelivered: d.Redelivered,
					acker:       amqpAcker{d: d},
				})
			}
		}
	}()
	log.Info().Str("queue", spec.queue).Int("prefetch", c.cfg.Prefetch).Msg("amqp consumer started")
	return nil
}

func (c *AMQPClient) Ack(d Delivery) error {
	return ack(d)
}

func (c *AMQPClient) Nack(d Delivery) error {
	return rejectAfter(d, c.cfg.RedeliveryDelay)
}

func (c *AMQPClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.conn, c.pub = nil, nil
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = cerr
			}
		}
	})
	return err
}

type amqpAcker struct{ d amqp.Delivery }

func (a amqpAcker) Ack() error { return a.d.Ack(false) }

func (a amqpAcker) Reject(requeue bool) error { return a.d.Reject(requeue) }
