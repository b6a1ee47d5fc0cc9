package events

import (
	"github.com/google/uuid"

	"vodflow/internal/domain"
)

// Name is a dotted webhook event name, e.g. "task.updated".
type Name string

const (
	TaskSpawned   Name = "task.spawned"
	TaskUpdated   Name = "task.updated"
	TaskCompleted Name = "task.completed"
	TaskFailed    Name = "task.failed"

	AssetUpdated Name = "asset.updated"
	AssetDeleted Name = "asset.deleted"
	AssetReady   Name = "asset.ready"
	AssetFailed  Name = "asset.failed"

	RecordingReady   Name = "recording.ready"
	RecordingWaiting Name = "recording.waiting"
)

// TypeWebhookEvent is the envelope type every webhook message carries.
const TypeWebhookEvent = "webhook_event"

// RoutingKey derives the broker routing key for an event.
func RoutingKey(event Name) string {
	return "events." + string(event)
}

// Envelope is the message integrators' delivery worker consumes.
type Envelope struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Event     Name   `json:"event"`
	Timestamp int64  `json:"timestamp"`
	UserID    string `json:"userId"`
	StreamID  string `json:"streamId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type Option func(*Envelope)

func WithStream(id string) Option {
	return func(e *Envelope) { e.StreamID = id }
}

func WithSession(id string) Option {
	return func(e *Envelope) { e.SessionID = id }
}

// NewWebhook builds an envelope with a fresh id and the current timestamp.
func NewWebhook(event Name, userID string, payload any, opts ...Option) Envelope {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      TypeWebhookEvent,
		Event:     event,
		Timestamp: domain.NowMillis(),
		UserID:    userID,
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(&env)
	}
	return env
}

// TaskPayload is the body of task.* events.
type TaskPayload struct {
	Success *bool    `json:"success,omitempty"`
	Task    TaskInfo `json:"task"`
}

// AssetPayload is the body of asset.* events.
type AssetPayload struct {
	ID    string       `json:"id"`
	Asset domain.Asset `json:"snapshot"`
}

// RecordingPayload is the body of recording.* events.
type RecordingPayload struct {
	RecordingStatus domain.RecordingStatus `json:"recordingStatus"`
	Session         domain.Session         `json:"session"`
	Asset           *domain.Asset          `json:"asset,omitempty"`
}

func NewTaskPayload(task domain.Task, success *bool) TaskPayload {
	return TaskPayload{Success: success, Task: NewTaskInfo(task.Snapshot())}
}
