package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"vodflow/internal/domain"
	"vodflow/internal/events"
	"vodflow/internal/queue"
	"vodflow/internal/store"
)

// badOutputError marks a successful result whose output cannot be applied.
// The task fails without retry.
type badOutputError struct{ missing string }

func (e *badOutputError) Error() string { return "bad task output: missing " + e.missing }

func badOutput(missing string) error { return &badOutputError{missing: missing} }

// outcomeInterrupted labels a delivery whose processing was cut short by
// ctx ending. It is returned to the broker instead of acknowledged.
const outcomeInterrupted = "interrupted"

// HandleResultMessage consumes one delivery from the task topic. Every
// delivery is acknowledged whatever the outcome, since a result the engine
// cannot process would otherwise block the queue. Deliveries interrupted by
// ctx ending and deliveries whose ack fails go back to the broker.
func (e *Engine) HandleResultMessage(ctx context.Context, d queue.Delivery) {
	outcome := e.processDelivery(ctx, d)
	e.metrics.ObserveResult(outcome)

	if outcome == outcomeInterrupted {
		if err := e.q.Nack(d); err != nil {
			log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("nack of interrupted delivery failed")
		}
		return
	}
	if err := e.q.Ack(d); err != nil {
		log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("ack failed; nacking for redelivery")
		if nerr := e.q.Nack(d); nerr != nil {
			log.Error().Err(nerr).Str("routing_key", d.RoutingKey).Msg("nack failed")
		}
	}
}

func (e *Engine) processDelivery(ctx context.Context, d queue.Delivery) string {
	res, err := events.ParseTaskResult(d.Body)
	if err != nil {
		log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("dropping malformed task message")
		return "malformed"
	}

	logger := log.With().Str("task_id", res.Task.ID).Str("message_type", string(res.Type)).Logger()
	if res.Partial() {
		err = e.ProcessTaskResultPartial(ctx, res)
	} else {
		err = e.ProcessTaskEvent(ctx, res)
	}
	switch {
	case err == nil:
		return "processed"
	case ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		logger.Warn().Err(err).Msg("task result processing interrupted; returning delivery")
		return outcomeInterrupted
	case errors.Is(err, store.ErrNotFound):
		logger.Warn().Err(err).Msg("task result references missing row")
		return "missing"
	default:
		logger.Error().Err(err).Msg("task result processing failed")
		return "error"
	}
}

// ProcessTaskEvent applies a terminal task result. Results for tasks already
// in a terminal phase are ignored.
func (e *Engine) ProcessTaskEvent(ctx context.Context, res events.TaskResult) error {
	task, err := e.repos.Tasks.Get(ctx, res.Task.ID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status.Phase.Terminal() {
		log.Info().Str("task_id", task.ID).Str("phase", string(task.Status.Phase)).Msg("ignoring result for finished task")
		return nil
	}

	if res.Error != nil {
		if !res.Error.Unretriable && task.Status.Retries < e.cfg.MaxRetries {
			return e.RetryTask(ctx, task, res.Error.Message)
		}
		return e.FailTask(ctx, task, res.Error.Message, res.Output)
	}

	if handle, ok := e.onSuccess[task.Type]; ok {
		if err := handle(e, ctx, task, res.Output); err != nil {
			var bad *badOutputError
			if errors.As(err, &bad) {
				return e.FailTask(ctx, task, bad.Error(), res.Output)
			}
			return err
		}
	}

	status := domain.TaskStatus{Phase: domain.TaskPhaseCompleted, Retries: task.Status.Retries}
	if _, _, err := e.UpdateTask(ctx, task, TaskUpdate{Status: &status, Output: res.Output}, domain.ActiveTaskPhases...); err != nil {
		return err
	}
	log.Info().Str("task_id", task.ID).Str("type", string(task.Type)).Msg("task completed")
	return nil
}

// ProcessTaskResultPartial applies an incremental result: the source
// rendition is playable and its files are merged into the output asset. The
// task phase is not touched.
func (e *Engine) ProcessTaskResultPartial(ctx context.Context, res events.TaskResult) error {
	task, err := e.repos.Tasks.Get(ctx, res.Task.ID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status.Phase.Terminal() {
		return nil
	}
	spec := assetSpecOf(res.Output, task.Type)
	if spec == nil {
		return badOutput("assetSpec")
	}
	if task.OutputAssetID == "" {
		return fmt.Errorf("partial result for task %s without output asset", task.ID)
	}
	asset, err := e.repos.Assets.Get(ctx, task.OutputAssetID)
	if err != nil {
		return fmt.Errorf("load output asset: %w", err)
	}
	ready := true
	_, _, err = e.UpdateAsset(ctx, asset, AssetUpdate{
		Files:               mergeFiles(asset.Files, spec.Files),
		SourcePlaybackReady: &ready,
	})
	return err
}

// mergeFiles replaces existing files with incoming ones of the same type and
// appends the rest.
func mergeFiles(existing, incoming []domain.AssetFile) []domain.AssetFile {
	replaced := make(map[string]bool, len(incoming))
	for _, f := range incoming {
		replaced[f.Type] = true
	}
	out := make([]domain.AssetFile, 0, len(existing)+len(incoming))
	for _, f := range existing {
		if !replaced[f.Type] {
			out = append(out, f)
		}
	}
	return append(out, incoming...)
}

type successHandler func(e *Engine, ctx context.Context, task domain.Task, out *domain.TaskOutput) error

func successHandlers() map[domain.TaskType]successHandler {
	return map[domain.TaskType]successHandler{
		domain.TaskTypeImport:     (*Engine).completeSourceAsset,
		domain.TaskTypeUpload:     (*Engine).completeSourceAsset,
		domain.TaskTypeTranscode:  (*Engine).completeTranscode,
		domain.TaskTypeExport:     (*Engine).completeExport,
		domain.TaskTypeExportData: (*Engine).completeExportData,
	}
}

func assetSpecOf(out *domain.TaskOutput, t domain.TaskType) *domain.AssetSpec {
	if out == nil {
		return nil
	}
	var ao *domain.AssetOutput
	switch t {
	case domain.TaskTypeImport:
		ao = out.Import
	case domain.TaskTypeUpload:
		ao = out.Upload
	case domain.TaskTypeTranscode:
		ao = out.Transcode
	}
	if ao == nil {
		return nil
	}
	return ao.AssetSpec
}

// assetUpdateFromSpec turns a reported asset spec into the ready-state update
// of the output asset.
func assetUpdateFromSpec(prev *domain.AssetStorage, spec *domain.AssetSpec, taskID string, withFiles bool, now int64) AssetUpdate {
	upd := AssetUpdate{
		Status:    &domain.AssetStatus{Phase: domain.AssetPhaseReady},
		Size:      spec.Size,
		Hash:      spec.Hash,
		VideoSpec: spec.VideoSpec,
	}
	if withFiles {
		upd.Files = spec.Files
	}
	if spec.Storage != nil && spec.Storage.IPFS != nil {
		upd.Storage = storageWithIPFS(prev, spec.Storage.IPFS, taskID, now)
	}
	return upd
}

func storageWithIPFS(prev *domain.AssetStorage, res *domain.IPFSResult, taskID string, now int64) *domain.AssetStorage {
	ipfs := &domain.IPFSStorage{}
	if prev != nil && prev.IPFS != nil {
		*ipfs = *prev.IPFS
	}
	ipfs.CID = res.CID
	ipfs.URL = res.URL
	ipfs.GatewayURL = res.GatewayURL
	ipfs.UpdatedAt = now
	if res.NFTMetadataCID != "" {
		ipfs.NFTMetadata = &domain.IPFSFile{CID: res.NFTMetadataCID}
	}
	return &domain.AssetStorage{
		IPFS: ipfs,
		Status: &domain.StorageStatus{
			Phase: domain.StoragePhaseReady,
			Tasks: domain.StorageTasks{Last: taskID},
		},
	}
}

func (e *Engine) completeSourceAsset(ctx context.Context, task domain.Task, out *domain.TaskOutput) error {
	asset, applied, err := e.completeAsset(ctx, task, out, true)
	if err != nil || !applied {
		return err
	}
	if asset.Source.Type == domain.AssetSourceRecording && asset.Source.SessionID != "" {
		return e.recordingReady(ctx, asset)
	}
	return nil
}

func (e *Engine) completeTranscode(ctx context.Context, task domain.Task, out *domain.TaskOutput) error {
	_, _, err := e.completeAsset(ctx, task, out, false)
	return err
}

// completeAsset moves the output asset to ready. The write only applies while
// the asset is still in progress, so a duplicate result reports applied=false.
func (e *Engine) completeAsset(ctx context.Context, task domain.Task, out *domain.TaskOutput, withFiles bool) (domain.Asset, bool, error) {
	spec := assetSpecOf(out, task.Type)
	if spec == nil {
		return domain.Asset{}, false, badOutput("assetSpec")
	}
	if task.OutputAssetID == "" {
		return domain.Asset{}, false, badOutput("outputAssetId")
	}
	asset, err := e.repos.Assets.Get(ctx, task.OutputAssetID)
	if err != nil {
		return domain.Asset{}, false, fmt.Errorf("load output asset: %w", err)
	}
	upd := assetUpdateFromSpec(asset.Storage, spec, task.ID, withFiles, e.now())
	updated, applied, err := e.UpdateAsset(ctx, asset, upd, domain.InProgressAssetPhases...)
	if err != nil {
		return domain.Asset{}, false, err
	}
	if !applied {
		log.Info().Str("task_id", task.ID).Str("asset_id", asset.ID).Str("phase", string(asset.Status.Phase)).
			Msg("output asset no longer in progress; skipping ready update")
	}
	return updated, applied, nil
}

// recordingReady finalizes the session an asset was recorded from and
// notifies integrators that the recording can be played.
func (e *Engine) recordingReady(ctx context.Context, asset domain.Asset) error {
	session, err := e.repos.Sessions.Get(ctx, asset.Source.SessionID)
	if err != nil {
		return fmt.Errorf("load recorded session: %w", err)
	}
	session.RecordingStatus = domain.RecordingStatusReady
	patch := store.Patch{}.Set("recordingStatus", session.RecordingStatus)
	if base := e.cfg.PlaybackBase; base != "" {
		session.RecordingURL = fmt.Sprintf("%s/recordings/%s/index.m3u8", base, session.ID)
		session.MP4URL = fmt.Sprintf("%s/recordings/%s/source.mp4", base, session.ID)
		patch.Set("recordingUrl", session.RecordingURL).Set("mp4Url", session.MP4URL)
	}
	if _, err := e.repos.Sessions.Update(ctx, session.ID, patch); err != nil {
		return fmt.Errorf("update recorded session: %w", err)
	}

	payload := events.RecordingPayload{
		RecordingStatus: domain.RecordingStatusReady,
		Session:         session,
		Asset:           &asset,
	}
	_ = e.Emit(ctx, events.RecordingReady, session.UserID, payload,
		events.WithStream(session.ParentID), events.WithSession(session.ID))
	return nil
}

func (e *Engine) completeExport(ctx context.Context, task domain.Task, out *domain.TaskOutput) error {
	if task.Params.Export == nil || task.Params.Export.IPFS == nil {
		return nil
	}
	if out == nil || out.Export == nil || out.Export.IPFS == nil {
		return badOutput("ipfs")
	}
	asset, err := e.repos.Assets.Get(ctx, task.InputAssetID)
	if err != nil {
		return fmt.Errorf("load export input asset: %w", err)
	}
	if asset.Storage.PendingTask() != task.ID {
		log.Info().Str("task_id", task.ID).Str("asset_id", asset.ID).Msg("export superseded by a newer task; leaving storage alone")
		return nil
	}
	storage := storageWithIPFS(asset.Storage, out.Export.IPFS, task.ID, e.now())
	if storage.IPFS.Spec == nil {
		storage.IPFS.Spec = task.Params.Export.IPFS.Spec
	}
	_, _, err = e.UpdateAsset(ctx, asset, AssetUpdate{Storage: storage})
	return err
}

func (e *Engine) completeExportData(ctx context.Context, task domain.Task, out *domain.TaskOutput) error {
	if out == nil || out.ExportData == nil || out.ExportData.IPFS == nil {
		return badOutput("ipfs")
	}
	params := task.Params.ExportData
	if params == nil || params.Type != domain.ExportDataTypeAttestation || params.ID == "" {
		return nil
	}
	att, err := e.repos.Attestations.Get(ctx, params.ID)
	if err != nil {
		return fmt.Errorf("load attestation: %w", err)
	}
	storage := storageWithIPFS(att.Storage, out.ExportData.IPFS, task.ID, e.now())
	if _, err := e.repos.Attestations.Update(ctx, att.ID, store.Patch{}.Set("storage", storage)); err != nil {
		return fmt.Errorf("update attestation storage: %w", err)
	}
	return nil
}
