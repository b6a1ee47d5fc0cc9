package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"vodflow/internal/domain"
)

type MessageType string

const (
	MessageTaskTrigger       MessageType = "task_trigger"
	MessageTaskResult        MessageType = "task_result"
	MessageTaskResultPartial MessageType = "task_result_partial"
)

// ErrMalformed marks a task message that cannot be acted upon.
var ErrMalformed = errors.New("malformed task message")

type TaskInfo struct {
	ID       string          `json:"id"`
	Type     domain.TaskType `json:"type"`
	Snapshot *domain.Task    `json:"snapshot,omitempty"`
}

func NewTaskInfo(task domain.Task) TaskInfo {
	return TaskInfo{ID: task.ID, Type: task.Type, Snapshot: &task}
}

// TaskTrigger asks a worker to run a task.
type TaskTrigger struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Task      TaskInfo    `json:"task"`
}

// NewTaskTrigger carries the full task, credentials included, since the worker needs them.
func NewTaskTrigger(task domain.Task) TaskTrigger {
	return TaskTrigger{
		Type:      MessageTaskTrigger,
		ID:        uuid.NewString(),
		Timestamp: domain.NowMillis(),
		Task:      NewTaskInfo(task),
	}
}

// TriggerRoutingKey is the routing key a task trigger is published under.
func TriggerRoutingKey(taskType domain.TaskType, id string) string {
	return fmt.Sprintf("task.trigger.%s.%s", taskType, id)
}

// ResultRoutingKey is the routing key workers publish results under.
func ResultRoutingKey(taskType domain.TaskType, id string) string {
	return fmt.Sprintf("task.result.%s.%s", taskType, id)
}

type TaskError struct {
	Message     string `json:"message"`
	Unretriable bool   `json:"unretriable,omitempty"`
}

// TaskResult is either a terminal result or a partial one, depending on Type.
type TaskResult struct {
	Type      MessageType        `json:"type"`
	ID        string             `json:"id,omitempty"`
	Timestamp int64              `json:"timestamp,omitempty"`
	Task      TaskInfo           `json:"task"`
	Error     *TaskError         `json:"error,omitempty"`
	Output    *domain.TaskOutput `json:"output,omitempty"`
}

func (r TaskResult) Partial() bool { return r.Type == MessageTaskResultPartial }

// ParseTaskResult decodes a message consumed from the task topic.
func ParseTaskResult(body []byte) (TaskResult, error) {
	var res TaskResult
	if err := json.Unmarshal(body, &res); err != nil {
		return TaskResult{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch res.Type {
	case MessageTaskResult, MessageTaskResultPartial:
	default:
		return TaskResult{}, fmt.Errorf("%w: unexpected type %q", ErrMalformed, res.Type)
	}
	res.Task.ID = strings.TrimSpace(res.Task.ID)
	if res.Task.ID == "" {
		return TaskResult{}, fmt.Errorf("%w: missing task id", ErrMalformed)
	}
	if res.Partial() && res.Output == nil {
		return TaskResult{}, fmt.Errorf("%w: partial result without output", ErrMalformed)
	}
	return res, nil
}
