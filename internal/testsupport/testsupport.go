package testsupport

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vodflow/internal/events"
	"vodflow/internal/queue"
	"vodflow/internal/store"
)

// MustOpenStore opens a SQLite store in a temp dir and closes it on cleanup.
func MustOpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "vodflow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Message is one publish captured by Queue.
type Message struct {
	Topic      queue.Topic
	RoutingKey string
	Body       []byte
	Delay      time.Duration
}

// Webhook is a decoded webhook envelope.
type Webhook struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Event     events.Name     `json:"event"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId"`
	StreamID  string          `json:"streamId"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// Queue is an in-memory queue.Client that records every publish.
type Queue struct {
	mu       sync.Mutex
	messages []Message
	handlers map[queue.Topic][]queue.Handler
	acks     int
	nacks    int

	// FailPublish, when set, is consulted before each publish; a non-nil
	// error is returned and the message is not recorded.
	FailPublish func(topic queue.Topic, routingKey string) error
	// AckErr is returned from Ack.
	AckErr error
}

func NewQueue() *Queue {
	return &Queue{handlers: map[queue.Topic][]queue.Handler{}}
}

func (q *Queue) record(topic queue.Topic, routingKey string, msg any, delay time.Duration) error {
	q.mu.Lock()
	fail := q.FailPublish
	q.mu.Unlock()
	if fail != nil {
		if err := fail(topic, routingKey); err != nil {
			return err
		}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, Message{Topic: topic, RoutingKey: routingKey, Body: body, Delay: delay})
	return nil
}

func (q *Queue) Publish(_ context.Context, topic queue.Topic, routingKey string, msg any) error {
	return q.record(topic, routingKey, msg, 0)
}

func (q *Queue) PublishDelayed(_ context.Context, routingKey string, msg any, delay time.Duration, topic queue.Topic) error {
	return q.record(topic, routingKey, msg, delay)
}

func (q *Queue) Consume(_ context.Context, topic queue.Topic, h queue.Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], h)
	return nil
}

func (q *Queue) Ack(queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks++
	return q.AckErr
}

func (q *Queue) Nack(queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacks++
	return nil
}

func (q *Queue) Close() error { return nil }

// Deliver hands body to every handler registered for topic.
func (q *Queue) Deliver(ctx context.Context, topic queue.Topic, routingKey string, body []byte) {
	q.mu.Lock()
	handlers := append([]queue.Handler(nil), q.handlers[topic]...)
	q.mu.Unlock()
	for _, h := range handlers {
		h(ctx, queue.NewDelivery(topic, routingKey, body, nil))
	}
}

// Acks and Nacks report how many deliveries were settled each way.
func (q *Queue) Acks() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acks
}

func (q *Queue) Nacks() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nacks
}

// Messages returns captured publishes whose routing key starts with prefix.
func (q *Queue) Messages(prefix string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	for _, m := range q.messages {
		if strings.HasPrefix(m.RoutingKey, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// Webhooks decodes captured webhook envelopes, optionally filtered by event.
func (q *Queue) Webhooks(t testing.TB, only ...events.Name) []Webhook {
	t.Helper()
	var out []Webhook
	for _, m := range q.Messages("events.") {
		var w Webhook
		if err := json.Unmarshal(m.Body, &w); err != nil {
			t.Fatalf("decode webhook %s: %v", m.RoutingKey, err)
		}
		if len(only) > 0 && !containsName(only, w.Event) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Count is the number of captured webhooks for event.
func (q *Queue) Count(t testing.TB, event events.Name) int {
	t.Helper()
	return len(q.Webhooks(t, event))
}

// Reset drops captured messages and counters.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
	q.acks, q.nacks = 0, 0
}

func containsName(names []events.Name, n events.Name) bool {
	for _, candidate := range names {
		if candidate == n {
			return true
		}
	}
	return false
}
