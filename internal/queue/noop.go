package queue

import (
	"context"
	"time"
)

// Noop is used where asynchronous dispatch is disabled: publishes succeed
// without going anywhere and consumers never fire.
type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) Publish(context.Context, Topic, string, any) error { return nil }

func (Noop) PublishDelayed(context.Context, string, any, time.Duration, Topic) error { return nil }

func (Noop) Consume(context.Context, Topic, Handler) error { return nil }

func (Noop) Ack(Delivery) error { return nil }

func (Noop) Nack(Delivery) error { return nil }

func (Noop) Close() error { return nil }
