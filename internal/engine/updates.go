package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"vodflow/internal/domain"
	"vodflow/internal/events"
	"vodflow/internal/store"
)

// TaskUpdate lists the task fields a write may change. Nil and zero fields
// are left alone.
type TaskUpdate struct {
	Status      *domain.TaskStatus
	Output      *domain.TaskOutput
	ScheduledAt int64
}

// UpdateTask is the only path that writes tasks. When allowed is given the
// write applies only while the stored phase is one of them; a skipped write
// returns applied=false and no error. Entering a terminal phase scrubs
// credentials from params.
func (e *Engine) UpdateTask(ctx context.Context, task domain.Task, upd TaskUpdate, allowed ...domain.TaskPhase) (domain.Task, bool, error) {
	next := task
	patch := store.Patch{}
	if upd.Status != nil {
		status := *upd.Status
		if status.UpdatedAt == 0 {
			status.UpdatedAt = e.now()
		}
		next.Status = status
		patch.Set("status", status)
	}
	if upd.Output != nil {
		next.Output = upd.Output
		patch.Set("output", upd.Output)
	}
	if upd.ScheduledAt != 0 {
		next.ScheduledAt = upd.ScheduledAt
		patch.Set("scheduledAt", upd.ScheduledAt)
	}
	terminal := upd.Status != nil && next.Status.Phase.Terminal()
	if terminal && task.Params.HasCredentials() {
		next.Params = task.Params.WithoutCredentials()
		patch.Set("params", next.Params)
	}
	if len(patch) == 0 {
		return task, false, errors.New("empty task update")
	}

	applied, err := e.repos.Tasks.Update(ctx, task.ID, patch, allowed...)
	if err != nil {
		return task, false, fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if !applied {
		log.Debug().Str("task_id", task.ID).Interface("allowed", allowed).Msg("task update skipped by phase guard")
		return task, false, nil
	}
	if upd.Status != nil {
		e.metrics.ObserveTransition(string(next.Type), string(next.Status.Phase))
	}

	_ = e.Emit(ctx, events.TaskUpdated, next.UserID, events.NewTaskPayload(next, nil))
	if terminal {
		success := next.Status.Phase == domain.TaskPhaseCompleted
		event := events.TaskFailed
		if success {
			event = events.TaskCompleted
		}
		_ = e.Emit(ctx, event, next.UserID, events.NewTaskPayload(next, &success))
	}
	return next, true, nil
}

// AssetUpdate lists the asset fields a write may change. Nil and zero fields
// are left alone.
type AssetUpdate struct {
	Status              *domain.AssetStatus
	Size                int64
	Hash                []domain.Hash
	VideoSpec           *domain.VideoSpec
	Files               []domain.AssetFile
	Storage             *domain.AssetStorage
	SourcePlaybackReady *bool
	Deleted             *bool
	DeletedAt           int64
}

func (u AssetUpdate) apply(a domain.Asset, p store.Patch) domain.Asset {
	if u.Size != 0 {
		a.Size = u.Size
		p.Set("size", u.Size)
	}
	if u.Hash != nil {
		a.Hash = u.Hash
		p.Set("hash", u.Hash)
	}
	if u.VideoSpec != nil {
		a.VideoSpec = u.VideoSpec
		p.Set("videoSpec", u.VideoSpec)
	}
	if u.Files != nil {
		a.Files = u.Files
		p.Set("files", u.Files)
	}
	if u.Storage != nil {
		a.Storage = u.Storage
		p.Set("storage", u.Storage)
	}
	if u.SourcePlaybackReady != nil {
		a.SourcePlaybackReady = *u.SourcePlaybackReady
		p.Set("sourcePlaybackReady", *u.SourcePlaybackReady)
	}
	if u.Deleted != nil {
		a.Deleted = *u.Deleted
		p.Set("deleted", *u.Deleted)
	}
	if u.DeletedAt != 0 {
		a.DeletedAt = u.DeletedAt
		p.Set("deletedAt", u.DeletedAt)
	}
	return a
}

// UpdateAsset is the only path that writes assets. Every applied write moves
// status.updatedAt strictly forward, keeping the phase when upd has no
// status. asset must be the current stored row.
func (e *Engine) UpdateAsset(ctx context.Context, asset domain.Asset, upd AssetUpdate, allowed ...domain.AssetPhase) (domain.Asset, bool, error) {
	stamp := e.now()
	if stamp <= asset.Status.UpdatedAt {
		stamp = asset.Status.UpdatedAt + 1
	}
	status := asset.Status
	if upd.Status != nil {
		status = *upd.Status
	}
	status.UpdatedAt = stamp

	patch := store.Patch{}.Set("status", status)
	next := upd.apply(asset, patch)
	next.Status = status

	applied, err := e.repos.Assets.Update(ctx, asset.ID, patch, allowed...)
	if err != nil {
		return asset, false, fmt.Errorf("update asset %s: %w", asset.ID, err)
	}
	if !applied {
		log.Debug().Str("asset_id", asset.ID).Interface("allowed", allowed).Msg("asset update skipped by phase guard")
		return asset, false, nil
	}

	payload := events.AssetPayload{ID: next.ID, Asset: next}
	event := events.AssetUpdated
	if upd.Deleted != nil && *upd.Deleted {
		event = events.AssetDeleted
	}
	_ = e.Emit(ctx, event, next.UserID, payload)

	if upd.Status != nil && status.Phase != asset.Status.Phase {
		switch status.Phase {
		case domain.AssetPhaseReady:
			_ = e.Emit(ctx, events.AssetReady, next.UserID, payload)
		case domain.AssetPhaseFailed:
			_ = e.Emit(ctx, events.AssetFailed, next.UserID, payload)
		}
	}
	return next, true, nil
}

// FailTask moves the task to failed, keeping its retry count, and propagates
// the failure to the assets the task was producing or exporting.
func (e *Engine) FailTask(ctx context.Context, task domain.Task, errorMessage string, output *domain.TaskOutput) error {
	status := domain.TaskStatus{
		Phase:        domain.TaskPhaseFailed,
		Retries:      task.Status.Retries,
		ErrorMessage: errorMessage,
	}
	failed, applied, err := e.UpdateTask(ctx, task, TaskUpdate{Status: &status, Output: output}, domain.ActiveTaskPhases...)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	if !applied {
		return nil
	}
	log.Warn().Str("task_id", task.ID).Str("type", string(task.Type)).Str("error", errorMessage).Msg("task failed")

	if failed.OutputAssetID != "" {
		asset, err := e.repos.Assets.Get(ctx, failed.OutputAssetID)
		if err != nil {
			return fmt.Errorf("load output asset of failed task: %w", err)
		}
		assetStatus := domain.AssetStatus{Phase: domain.AssetPhaseFailed, ErrorMessage: errorMessage}
		if _, _, err := e.UpdateAsset(ctx, asset, AssetUpdate{Status: &assetStatus}, domain.InProgressAssetPhases...); err != nil {
			return err
		}
	}
	if failed.Type == domain.TaskTypeExport {
		return e.revertExport(ctx, failed, errorMessage)
	}
	return nil
}

// revertExport restores the IPFS spec of the last successful export on the
// input asset, or marks its storage failed when there was none.
func (e *Engine) revertExport(ctx context.Context, task domain.Task, errorMessage string) error {
	if task.InputAssetID == "" {
		return nil
	}
	asset, err := e.repos.Assets.Get(ctx, task.InputAssetID)
	if err != nil {
		return fmt.Errorf("load export input asset: %w", err)
	}
	if asset.Storage.PendingTask() != task.ID {
		return nil
	}
	last := asset.Storage.Status.Tasks.Last
	storage := &domain.AssetStorage{
		Status: &domain.StorageStatus{
			Phase:        domain.StoragePhaseFailed,
			ErrorMessage: errorMessage,
			Tasks:        domain.StorageTasks{Last: last, Failed: task.ID},
		},
	}

	if spec, ok := e.lastExportSpec(ctx, last); ok {
		ipfs := &domain.IPFSStorage{}
		if asset.Storage.IPFS != nil {
			*ipfs = *asset.Storage.IPFS
		}
		ipfs.Spec = spec
		storage.IPFS = ipfs
		storage.Status.Phase = domain.StoragePhaseReverted
	}
	_, _, err = e.UpdateAsset(ctx, asset, AssetUpdate{Storage: storage})
	return err
}

func (e *Engine) lastExportSpec(ctx context.Context, taskID string) (*domain.IPFSSpec, bool) {
	if taskID == "" {
		return nil, false
	}
	last, err := e.repos.Tasks.Get(ctx, taskID)
	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("last export task not found for revert")
		return nil, false
	}
	if last.Params.Export == nil || last.Params.Export.IPFS == nil {
		return nil, false
	}
	spec := last.Params.Export.IPFS.Spec
	if spec == nil {
		spec = &domain.IPFSSpec{}
	}
	return spec, true
}
