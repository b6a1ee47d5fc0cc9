package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vodflow/internal/domain"
	"vodflow/internal/events"
	"vodflow/internal/observability"
	"vodflow/internal/queue"
	"vodflow/internal/store"
)

// ErrTooManyTasks is returned by EnsureQueueCapacity when a user already has
// the maximum number of scheduled tasks.
var ErrTooManyTasks = errors.New("too many scheduled tasks")

// enqueueFailedMessage is the error recorded on a task whose trigger could not be published.
const enqueueFailedMessage = "Failed to enqueue task"

type TaskRepository interface {
	Create(ctx context.Context, task domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	Update(ctx context.Context, id string, patch store.Patch, allowed ...domain.TaskPhase) (bool, error)
	CountScheduled(ctx context.Context, userID string) (int, error)
}

type AssetRepository interface {
	Get(ctx context.Context, id string) (domain.Asset, error)
	Update(ctx context.Context, id string, patch store.Patch, allowed ...domain.AssetPhase) (bool, error)
}

type SessionRepository interface {
	Get(ctx context.Context, id string) (domain.Session, error)
	Update(ctx context.Context, id string, patch store.Patch) (bool, error)
}

type AttestationRepository interface {
	Get(ctx context.Context, id string) (domain.Attestation, error)
	Update(ctx context.Context, id string, patch store.Patch) (bool, error)
}

type Repositories struct {
	Tasks        TaskRepository
	Assets       AssetRepository
	Sessions     SessionRepository
	Attestations AttestationRepository
}

// StoreRepositories wires every repository to s.
func StoreRepositories(s *store.Store) Repositories {
	return Repositories{
		Tasks:        s.Tasks(),
		Assets:       s.Assets(),
		Sessions:     s.Sessions(),
		Attestations: s.Attestations(),
	}
}

type Config struct {
	MaxScheduledTasksPerUser int
	MaxRetries               int
	BaseRetryDelay           time.Duration
	// PlaybackBase prefixes recording URLs in recording.ready payloads.
	PlaybackBase string
}

func DefaultConfig() Config {
	return Config{
		MaxScheduledTasksPerUser: 100,
		MaxRetries:               2,
		BaseRetryDelay:           30 * time.Second,
	}
}

type Option func(*Engine)

// WithSleep replaces the backoff sleep between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithClock replaces the millisecond clock used for status timestamps.
func WithClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

// Engine drives task state transitions and their asset, session and
// attestation side effects, and emits a webhook event for every write.
type Engine struct {
	cfg     Config
	repos   Repositories
	q       queue.Client
	metrics *observability.Metrics

	onSuccess map[domain.TaskType]successHandler
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() int64
}

func New(cfg Config, repos Repositories, q queue.Client, metrics *observability.Metrics, opts ...Option) *Engine {
	if q == nil {
		q = queue.NewNoop()
	}
	e := &Engine{
		cfg:       cfg,
		repos:     repos,
		q:         q,
		metrics:   metrics,
		onSuccess: successHandlers(),
		sleep:     sleepContext,
		now:       domain.NowMillis,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Emit publishes a webhook event. Failures are logged, counted and returned.
func (e *Engine) Emit(ctx context.Context, event events.Name, userID string, payload any, opts ...events.Option) error {
	env := events.NewWebhook(event, userID, payload, opts...)
	err := e.q.Publish(ctx, queue.TopicWebhooks, events.RoutingKey(event), env)
	e.metrics.ObserveWebhook(string(event), err)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Str("user_id", userID).Msg("webhook publish failed")
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// EmitDelayed publishes a webhook event that becomes visible after delay.
func (e *Engine) EmitDelayed(ctx context.Context, event events.Name, userID string, payload any, delay time.Duration, opts ...events.Option) error {
	env := events.NewWebhook(event, userID, payload, opts...)
	err := e.q.PublishDelayed(ctx, events.RoutingKey(event), env, delay, queue.TopicWebhooks)
	e.metrics.ObserveWebhook(string(event), err)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Dur("delay", delay).Msg("delayed webhook publish failed")
		return fmt.Errorf("publish delayed %s: %w", event, err)
	}
	return nil
}

// EnsureQueueCapacity rejects new work for a user who is at the scheduled
// task ceiling. A ceiling of zero disables the check.
func (e *Engine) EnsureQueueCapacity(ctx context.Context, userID string) error {
	limit := e.cfg.MaxScheduledTasksPerUser
	if limit <= 0 {
		return nil
	}
	n, err := e.repos.Tasks.CountScheduled(ctx, userID)
	if err != nil {
		return fmt.Errorf("count scheduled tasks: %w", err)
	}
	if n >= limit {
		return fmt.Errorf("%w: user %s has %d scheduled tasks (limit %d)", ErrTooManyTasks, userID, n, limit)
	}
	return nil
}

// NewTask describes a task to create. UserID falls back to the output asset's
// owner, then the input asset's.
type NewTask struct {
	Type        domain.TaskType
	Params      domain.TaskParams
	InputAsset  *domain.Asset
	OutputAsset *domain.Asset
	UserID      string
}

// CreateTask persists a pending task, announces it and schedules it. The
// returned task is in the waiting phase unless scheduling failed.
func (e *Engine) CreateTask(ctx context.Context, req NewTask) (domain.Task, error) {
	if !req.Type.Valid() {
		return domain.Task{}, fmt.Errorf("unknown task type %q", req.Type)
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" && req.OutputAsset != nil {
		userID = req.OutputAsset.UserID
	}
	if userID == "" && req.InputAsset != nil {
		userID = req.InputAsset.UserID
	}
	if userID == "" {
		return domain.Task{}, errors.New("task user is required")
	}

	now := e.now()
	task := domain.Task{
		ID:        uuid.NewString(),
		Type:      req.Type,
		UserID:    userID,
		Params:    req.Params,
		Status:    domain.TaskStatus{Phase: domain.TaskPhasePending, UpdatedAt: now},
		CreatedAt: now,
	}
	if req.InputAsset != nil {
		task.InputAssetID = req.InputAsset.ID
	}
	if req.OutputAsset != nil {
		task.OutputAssetID = req.OutputAsset.ID
	}

	if err := e.repos.Tasks.Create(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	e.metrics.ObserveTransition(string(task.Type), string(task.Status.Phase))
	_ = e.Emit(ctx, events.TaskSpawned, task.UserID, events.NewTaskPayload(task, nil))

	if task.Type == domain.TaskTypeExport && req.InputAsset != nil {
		if err := e.markExportPending(ctx, *req.InputAsset, task); err != nil {
			return task, err
		}
	}

	scheduled, err := e.scheduleTask(ctx, task, 0)
	if err != nil {
		return task, err
	}
	return scheduled, nil
}

// markExportPending points the input asset's storage at the new export task
// and records the requested spec, remembering the previous export for revert.
func (e *Engine) markExportPending(ctx context.Context, asset domain.Asset, task domain.Task) error {
	if task.Params.Export == nil || task.Params.Export.IPFS == nil {
		return nil
	}
	current, err := e.repos.Assets.Get(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("load export input asset: %w", err)
	}
	storage := &domain.AssetStorage{}
	var last string
	if current.Storage != nil {
		*storage = *current.Storage
		if current.Storage.Status != nil {
			last = current.Storage.Status.Tasks.Last
		}
	}
	ipfs := &domain.IPFSStorage{}
	if storage.IPFS != nil {
		*ipfs = *storage.IPFS
	}
	ipfs.Spec = task.Params.Export.IPFS.Spec
	if ipfs.Spec == nil {
		ipfs.Spec = &domain.IPFSSpec{}
	}
	storage.IPFS = ipfs
	storage.Status = &domain.StorageStatus{
		Phase: domain.StoragePhaseWaiting,
		Tasks: domain.StorageTasks{Pending: task.ID, Last: last},
	}
	_, _, err = e.UpdateAsset(ctx, current, AssetUpdate{Storage: storage})
	return err
}

// ScheduleTask moves task to waiting and publishes its trigger. A publish
// failure force-fails the task and is returned.
func (e *Engine) ScheduleTask(ctx context.Context, task domain.Task, retries int) error {
	_, err := e.scheduleTask(ctx, task, retries)
	return err
}

func (e *Engine) scheduleTask(ctx context.Context, task domain.Task, retries int) (domain.Task, error) {
	now := e.now()
	status := domain.TaskStatus{Phase: domain.TaskPhaseWaiting, UpdatedAt: now, Retries: retries}
	if retries > 0 {
		status.ErrorMessage = task.Status.ErrorMessage
	}
	upd := TaskUpdate{Status: &status}
	if retries == 0 {
		upd.ScheduledAt = now
	}
	scheduled, applied, err := e.UpdateTask(ctx, task, upd, domain.ActiveTaskPhases...)
	if err != nil {
		return task, fmt.Errorf("schedule task %s: %w", task.ID, err)
	}
	if !applied {
		log.Warn().Str("task_id", task.ID).Msg("task left active phases before scheduling; skipping trigger")
		return task, nil
	}

	trigger := events.NewTaskTrigger(scheduled)
	if err := e.q.Publish(ctx, queue.TopicTasks, events.TriggerRoutingKey(scheduled.Type, scheduled.ID), trigger); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Str("type", string(task.Type)).Msg("task trigger publish failed")
		if ferr := e.FailTask(ctx, scheduled, enqueueFailedMessage, nil); ferr != nil {
			log.Error().Err(ferr).Str("task_id", task.ID).Msg("failed to fail unenqueued task")
		}
		return scheduled, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	log.Info().Str("task_id", scheduled.ID).Str("type", string(scheduled.Type)).Int("retries", retries).Msg("task scheduled")
	return scheduled, nil
}

// RetryTask records the error, waits retries x BaseRetryDelay and schedules
// the task again.
func (e *Engine) RetryTask(ctx context.Context, task domain.Task, errorMessage string) error {
	retries := task.Status.Retries + 1
	status := domain.TaskStatus{
		Phase:        domain.TaskPhaseWaiting,
		Retries:      retries,
		ErrorMessage: errorMessage,
	}
	updated, applied, err := e.UpdateTask(ctx, task, TaskUpdate{Status: &status}, domain.ActiveTaskPhases...)
	if err != nil {
		return fmt.Errorf("retry task %s: %w", task.ID, err)
	}
	if !applied {
		return nil
	}
	e.metrics.ObserveRetry(string(task.Type))

	delay := time.Duration(retries) * e.cfg.BaseRetryDelay
	log.Info().Str("task_id", task.ID).Int("retries", retries).Dur("delay", delay).Str("error", errorMessage).Msg("retrying task")
	if err := e.sleep(ctx, delay); err != nil {
		return fmt.Errorf("retry task %s: %w", task.ID, err)
	}
	return e.ScheduleTask(ctx, updated, retries)
}
