package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"vodflow/internal/domain"
	"vodflow/internal/engine"
	"vodflow/internal/events"
	"vodflow/internal/queue"
	"vodflow/internal/store"
	"vodflow/internal/testsupport"
)

type harness struct {
	e  *engine.Engine
	st *store.Store
	q  *testsupport.Queue

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, mutate ...func(*engine.Config)) *harness {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.PlaybackBase = "https://play.example.com"
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{st: testsupport.MustOpenStore(t), q: testsupport.NewQueue()}
	h.e = engine.New(cfg, engine.StoreRepositories(h.st), h.q, nil,
		engine.WithSleep(func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sleeps = append(h.sleeps, d)
			return nil
		}))
	return h
}

func (h *harness) slept() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *harness) asset(t *testing.T, a domain.Asset) domain.Asset {
	t.Helper()
	if a.UserID == "" {
		a.UserID = "user-1"
	}
	if a.Status.Phase == "" {
		a.Status = domain.AssetStatus{Phase: domain.AssetPhaseWaiting, UpdatedAt: 1}
	}
	if a.Source.Type == "" {
		a.Source = domain.AssetSource{Type: domain.AssetSourceURL, URL: "https://example.com/in.mp4"}
	}
	a.CreatedAt = 1
	if err := h.st.Assets().Create(context.Background(), a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return a
}

func (h *harness) getTask(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := h.st.Tasks().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func (h *harness) getAsset(t *testing.T, id string) domain.Asset {
	t.Helper()
	a, err := h.st.Assets().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get asset %s: %v", id, err)
	}
	return a
}

func (h *harness) deliver(t *testing.T, task domain.Task, res events.TaskResult) {
	t.Helper()
	if res.Type == "" {
		res.Type = events.MessageTaskResult
	}
	res.Task = events.TaskInfo{ID: task.ID, Type: task.Type}
	body, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	h.e.HandleResultMessage(context.Background(),
		queue.NewDelivery(queue.TopicTasks, events.ResultRoutingKey(task.Type, task.ID), body, nil))
}

func importOutput(spec *domain.AssetSpec) *domain.TaskOutput {
	return &domain.TaskOutput{Import: &domain.AssetOutput{AssetSpec: spec}}
}

func (h *harness) createImport(t *testing.T, out domain.Asset) domain.Task {
	t.Helper()
	task, err := h.e.CreateTask(context.Background(), engine.NewTask{
		Type:        domain.TaskTypeImport,
		OutputAsset: &out,
		Params: domain.TaskParams{Import: &domain.ImportParams{
			URL:     "https://example.com/in.mp4",
			Headers: map[string]string{"Authorization": "Bearer secret"},
		}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestCreateTaskSchedulesImmediately(t *testing.T) {
	h := newHarness(t)
	out := h.asset(t, domain.Asset{ID: "asset-1"})
	task := h.createImport(t, out)

	if task.Status.Phase != domain.TaskPhaseWaiting {
		t.Fatalf("phase = %q, want waiting", task.Status.Phase)
	}
	stored := h.getTask(t, task.ID)
	if stored.Status.Phase != domain.TaskPhaseWaiting || stored.ScheduledAt == 0 {
		t.Fatalf("stored status = %+v scheduledAt=%d", stored.Status, stored.ScheduledAt)
	}
	if stored.UserID != "user-1" {
		t.Fatalf("userId = %q, want user-1 from output asset", stored.UserID)
	}

	triggers := h.q.Messages("task.trigger.")
	if len(triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(triggers))
	}
	if want := events.TriggerRoutingKey(domain.TaskTypeImport, task.ID); triggers[0].RoutingKey != want {
		t.Fatalf("trigger key = %q, want %q", triggers[0].RoutingKey, want)
	}
	var trig events.TaskTrigger
	if err := json.Unmarshal(triggers[0].Body, &trig); err != nil {
		t.Fatalf("decode trigger: %v", err)
	}
	if trig.Type != events.MessageTaskTrigger || trig.Task.Snapshot == nil || trig.Task.Snapshot.Params.Import.Headers == nil {
		t.Fatalf("trigger must carry the full task, got %+v", trig)
	}
	if got := h.q.Count(t, events.TaskSpawned); got != 1 {
		t.Fatalf("task.spawned = %d, want 1", got)
	}
	if got := h.q.Count(t, events.TaskUpdated); got != 1 {
		t.Fatalf("task.updated = %d, want 1", got)
	}
}

func TestScheduleFailureForceFailsTask(t *testing.T) {
	h := newHarness(t)
	out := h.asset(t, domain.Asset{ID: "asset-1"})
	boom := errors.New("broker down")
	h.q.FailPublish = func(topic queue.Topic, _ string) error {
		if topic == queue.TopicTasks {
			return boom
		}
		return nil
	}

	task, err := h.e.CreateTask(context.Background(), engine.NewTask{
		Type:        domain.TaskTypeUpload,
		OutputAsset: &out,
		Params:      domain.TaskParams{Upload: &domain.UploadParams{URL: "https://example.com/u"}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("CreateTask err = %v, want broker error", err)
	}
	stored := h.getTask(t, task.ID)
	if stored.Status.Phase != domain.TaskPhaseFailed || stored.Status.ErrorMessage != "Failed to enqueue task" {
		t.Fatalf("status = %+v", stored.Status)
	}
	if a := h.getAsset(t, out.ID); a.Status.Phase != domain.AssetPhaseFailed {
		t.Fatalf("output asset phase = %q, want failed", a.Status.Phase)
	}
	if got := h.q.Count(t, events.TaskFailed); got != 1 {
		t.Fatalf("task.failed = %d, want 1", got)
	}
}

func TestRetriesAreBoundedWithLinearBackoff(t *testing.T) {
	h := newHarness(t)
	out := h.asset(t, domain.Asset{ID: "asset-1"})
	task := h.createImport(t, out)
	scheduledAt := h.getTask(t, task.ID).ScheduledAt

	for attempt := 1; attempt <= 2; attempt++ {
		h.deliver(t, task, events.TaskResult{Error: &events.TaskError{Message: "transient"}})
		stored := h.getTask(t, task.ID)
		if stored.Status.Phase != domain.TaskPhaseWaiting || stored.Status.Retries != attempt {
			t.Fatalf("attempt %d: status = %+v", attempt, stored.Status)
		}
		if stored.ScheduledAt != scheduledAt {
			t.Fatalf("attempt %d: scheduledAt moved from %d to %d", attempt, scheduledAt, stored.ScheduledAt)
		}
		if stored.Status.ErrorMessage != "transient" {
			t.Fatalf("attempt %d: errorMessage = %q", attempt, stored.Status.ErrorMessage)
		}
	}

	h.deliver(t, task, events.TaskResult{Error: &events.TaskError{Message: "transient"}})
	stored := h.getTask(t, task.ID)
	if stored.Status.Phase != domain.TaskPhaseFailed {
		t.Fatalf("phase = %q, want failed after max retries", stored.Status.Phase)
	}
	if stored.Status.Retries != 2 {
		t.Fatalf("retries = %d, want 2", stored.Status.Retries)
	}

	want := []time.Duration{30 * time.Second, 60 * time.Second}
	got := h.slept()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", got, want)
		}
	}
	if n := len(h.q.Messages("task.trigger.")); n != 3 {
		t.Fatalf("triggers = %d, want 3", n)
	}
	if acks := h.q.Acks(); acks != 3 {
		t.Fatalf("acks = %d, want 3", acks)
	}
}

func TestUnretriableErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	out := h.asset(t, domain.Asset{ID: "asset-1"})
	task := h.createImport(t, out)

	h.deliver(t, task, events.TaskResult{Error: &events.TaskError{Message: "unsupported codec", Unretriable: true}})

	stored := h.getTask(t, task.ID)
	if stored.Status.Phase != domain.TaskPhaseFailed || stored.Status.Retries != 0 {
		t.Fatalf("status = %+v", stored.Status)
	}
	if len(h.slept()) != 0 {
		t.Fatalf("unexpected backoff: %v", h.slept())
	}
	a := h.getAsset(t, out.ID)
	if a.Status.Phase != domain.AssetPhaseFailed || a.Status.ErrorMessage != "unsupported codec" {
		t.Fatalf("asset status = %+v", a.Status)
	}
}

func TestCredentialsScrubbedOnlyOnTerminalTransition(t *testing.T) {
	h := newHarness(t)
	out := h.asset(t, domain.Asset{ID: "asset-1"})
	task := h.createImport(t, out)

	h.deliver(t, task, events.TaskResult{Error: &events.TaskError{Message: "transient"}})
	if headers := h.getTask(t, task.ID).Params.Import.Headers; headers["Authorization"] == "" {
		t.Fatal("non-terminal update dropped credentials")
	}

	h.deliver(t, task, events.TaskResult{Output: importOutput(&domain.AssetSpec{Size: 10})})
	stored := h.getTask(t, task.ID)
	if stored.Status.Phase != domain.TaskPhaseCompleted {
		t.Fatalf("phase = %q, want completed", stored.Status.Phase)
	}
	if stored.Params.HasCredentials() {
		t.Fatalf("credentials survived completion: %+v", stored.Params.Import)
	}
	if stored.Params.Import.URL == "" {
		t.Fatal("scrubbing removed non-secret params")
	}

	for _, w := range h.q.Webhooks(t, events.TaskUpdated, events.TaskCompleted, events.TaskSpawned) {
		var p events.TaskPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.Task.Snapshot != nil && p.Task.Snapshot.Params.HasCredentials() {
			t.Fatalf("%s payload leaked credentials", w.Event)
		}
	}
}

func TestUpdateAssetStampsStrictlyIncreasingUpdatedAt(t *testing.T) {
	st := testsupport.MustOpenStore(t)
	q := testsupport.NewQueue()
	e := engine.New(engine.DefaultConfig(), engine.StoreRepositories(st), q, nil,
		engine.WithClock(func() int64 { return 5000 }))
	ctx := context.Background()

	a := domain.Asset{ID: "a", UserID: "u", Status: domain.AssetStatus{Phase: domain.AssetPhaseProcessing, UpdatedAt: 5000}}
	if err := st.Assets().Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	prev := a.Status.UpdatedAt
	for i := 0; i < 3; i++ {
		current, err := st.Assets().Get(ctx, "a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		updated, applied, err := e.UpdateAsset(ctx, current, engine.AssetUpdate{Size: int64(i + 1)})
		if err != nil || !applied {
			t.Fatalf("UpdateAsset: applied=%v err=%v", applied, err)
		}
		stored, _ := st.Assets().Get(ctx, "a")
		if stored.Status.UpdatedAt <= prev {
			t.Fatalf("updatedAt %d not after %d", stored.Status.UpdatedAt, prev)
		}
		if stored.Status.Phase != domain.AssetPhaseProcessing {
			t.Fatalf("phase changed to %q", stored.Status.Phase)
		}
		if updated.Status.UpdatedAt != stored.Status.UpdatedAt {
			t.Fatalf("returned updatedAt %d, stored %d", updated.Status.UpdatedAt, stored.Status.UpdatedAt)
		}
		prev = stored.Status.UpdatedAt
	}
	if got := q.Count(t, events.AssetUpdated); got != 3 {
		t.Fatalf("asset.updated = %d, want 3", got)
	}
	if got := q.Count(t, events.AssetReady); got != 0 {
		t.Fatalf("asset.ready = %d, want 0", got)
	}
}

func TestUpdateAssetPhaseEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.asset(t, domain.Asset{ID: "a"})

	ready := domain.AssetStatus{Phase: domain.AssetPhaseReady}
	updated, _, err := h.e.UpdateAsset(ctx, a, engine.AssetUpdate{Status: &ready})
	if err != nil {
		t.Fatalf("UpdateAsset: %v", err)
	}
	// same phase again: no second asset.ready
	if _, _, err := h.e.UpdateAsset(ctx, updated, engine.AssetUpdate{Status: &ready}); err != nil {
		t.Fatalf("UpdateAsset: %v", err)
	}
	if got := h.q.Count(t, events.AssetReady); got != 1 {
		t.Fatalf("asset.ready = %d, want 1", got)
	}

	deleted := true
	if _, _, err := h.e.UpdateAsset(ctx, h.getAsset(t, "a"), engine.AssetUpdate{Deleted: &deleted, DeletedAt: 99}); err != nil {
		t.Fatalf("UpdateAsset: %v", err)
	}
	if got := h.q.Count(t, events.AssetDeleted); got != 1 {
		t.Fatalf("asset.deleted = %d, want 1", got)
	}
	if got := h.q.Count(t, events.AssetUpdated); got != 2 {
		t.Fatalf("asset.updated = %d, want 2", got)
	}
}

func TestRedeliveredTerminalResultIsNoop(t *testing.T) {
	h := newHarness(t)
	out := h.asset(t, domain.Asset{ID: "asset-1"})
	task := h.createImport(t, out)
	res := events.TaskResult{Output: importOutput(&domain.AssetSpec{Size: 10})}

	h.deliver(t, task, res)
	h.deliver(t, task, res)

	if got := h.q.Count(t, events.TaskCompleted); got != 1 {
		t.Fatalf("task.completed = %d, want 1", got)
	}
	if got := h.q.Count(t, events.AssetReady); got != 1 {
		t.Fatalf("asset.ready = %d, want 1", got)
	}
	if acks := h.q.Acks(); acks != 2 {
		t.Fatalf("acks = %d, want 2", acks)
	}
	if nacks := h.q.Nacks(); nacks != 0 {
		t.Fatalf("nacks = %d, want 0", nacks)
	}
}

func TestUpdateTaskPhaseGuardSkipsWrite(t *testing.T) {
	h := newHarness(t)
	out := h.asset(t, domain.Asset{ID: "asset-1"})
	task := h.createImport(t, out)
	h.q.Reset()

	status := domain.TaskStatus{Phase: domain.TaskPhaseCompleted}
	_, applied, err := h.e.UpdateTask(context.Background(), task, engine.TaskUpdate{Status: &status}, domain.TaskPhasePending)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if applied {
		t.Fatal("guarded write applied to a waiting task")
	}
	if got := len(h.q.Webhooks(t)); got != 0 {
		t.Fatalf("webhooks = %d, want 0", got)
	}
	if phase := h.getTask(t, task.ID).Status.Phase; phase != domain.TaskPhaseWaiting {
		t.Fatalf("phase = %q, want waiting", phase)
	}
}

func TestPartialResultMarksSourcePlaybackReady(t *testing.T) {
	h := newHarness(t)
	out := h.asset(t, domain.Asset{ID: "asset-1"})
	task, err := h.e.CreateTask(context.Background(), engine.NewTask{
		Type:        domain.TaskTypeUpload,
		OutputAsset: &out,
		Params:      domain.TaskParams{Upload: &domain.UploadParams{URL: "https://example.com/u"}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	files := []domain.AssetFile{{Path: "/foo", Type: "catalyst_hls_manifest"}}
	h.deliver(t, task, events.TaskResult{
		Type:   events.MessageTaskResultPartial,
		Output: &domain.TaskOutput{Upload: &domain.AssetOutput{AssetSpec: &domain.AssetSpec{Files: files}}},
	})

	a := h.getAsset(t, out.ID)
	if !a.SourcePlaybackReady {
		t.Fatal("sourcePlaybackReady not set")
	}
	if len(a.Files) != 1 || a.Files[0] != files[0] {
		t.Fatalf("files = %+v, want %+v", a.Files, files)
	}
	if phase := h.getTask(t, task.ID).Status.Phase; phase.Terminal() {
		t.Fatalf("task phase = %q after partial result", phase)
	}
}

func TestImportMissingAssetSpecFails(t *testing.T) {
	h := newHarness(t)
	out := h.asset(t, domain.Asset{ID: "asset-1"})
	task := h.createImport(t, out)

	h.deliver(t, task, events.TaskResult{Output: &domain.TaskOutput{Import: &domain.AssetOutput{}}})

	stored := h.getTask(t, task.ID)
	if stored.Status.Phase != domain.TaskPhaseFailed {
		t.Fatalf("phase = %q, want failed", stored.Status.Phase)
	}
	if stored.Status.ErrorMessage != "bad task output: missing assetSpec" {
		t.Fatalf("errorMessage = %q", stored.Status.ErrorMessage)
	}
	if len(h.slept()) != 0 || stored.Status.Retries != 0 {
		t.Fatalf("task was retried: retries=%d sleeps=%v", stored.Status.Retries, h.slept())
	}
}

func TestMalformedMessageIsAckedAndDropped(t *testing.T) {
	h := newHarness(t)
	h.e.HandleResultMessage(context.Background(), queue.NewDelivery(queue.TopicTasks, "task.result.x", []byte("{not json"), nil))
	h.e.HandleResultMessage(context.Background(), queue.NewDelivery(queue.TopicTasks, "task.result.x", []byte(`{"type":"task_result","task":{}}`), nil))
	if acks := h.q.Acks(); acks != 2 {
		t.Fatalf("acks = %d, want 2", acks)
	}
	if n := len(h.q.Messages("")); n != 0 {
		t.Fatalf("published %d messages for malformed input", n)
	}
}

func TestMissingTaskIsAcked(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, domain.Task{ID: "nope", Type: domain.TaskTypeImport}, events.TaskResult{})
	if acks := h.q.Acks(); acks != 1 {
		t.Fatalf("acks = %d, want 1", acks)
	}
}

func TestAckFailureNacks(t *testing.T) {
	h := newHarness(t)
	h.q.AckErr = errors.New("channel closed")
	h.deliver(t, domain.Task{ID: "nope", Type: domain.TaskTypeImport}, events.TaskResult{})
	if nacks := h.q.Nacks(); nacks != 1 {
		t.Fatalf("nacks = %d, want 1", nacks)
	}
}

func TestEnsureQueueCapacity(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) { c.MaxScheduledTasksPerUser = 2 })
	ctx := context.Background()
	for i, id := range []string{"a1", "a2"} {
		if err := h.e.EnsureQueueCapacity(ctx, "user-1"); err != nil {
			t.Fatalf("EnsureQueueCapacity #%d: %v", i+1, err)
		}
		h.createImport(t, h.asset(t, domain.Asset{ID: id}))
	}
	err := h.e.EnsureQueueCapacity(ctx, "user-1")
	if !errors.Is(err, engine.ErrTooManyTasks) {
		t.Fatalf("err = %v, want ErrTooManyTasks", err)
	}
	if err := h.e.EnsureQueueCapacity(ctx, "user-2"); err != nil {
		t.Fatalf("other user blocked: %v", err)
	}
}

func TestExportCompletesThenRevertsOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := h.asset(t, domain.Asset{ID: "src", Status: domain.AssetStatus{Phase: domain.AssetPhaseReady, UpdatedAt: 1}})

	export := func(template string) domain.Task {
		t.Helper()
		input := h.getAsset(t, src.ID)
		task, err := h.e.CreateTask(ctx, engine.NewTask{
			Type:       domain.TaskTypeExport,
			InputAsset: &input,
			Params: domain.TaskParams{Export: &domain.ExportParams{IPFS: &domain.IPFSExportParams{
				Spec:   &domain.IPFSSpec{NFTMetadataTemplate: template},
				Pinata: &domain.PinataCredentials{JWT: "secret"},
			}}},
		})
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		return task
	}

	first := export("player")
	if pending := h.getAsset(t, src.ID).Storage.PendingTask(); pending != first.ID {
		t.Fatalf("pending task = %q, want %q", pending, first.ID)
	}
	h.deliver(t, first, events.TaskResult{Output: &domain.TaskOutput{Export: &domain.ExportOutput{
		IPFS: &domain.IPFSResult{CID: "bafy1", URL: "ipfs://bafy1", NFTMetadataCID: "bafymeta"},
	}}})
	a := h.getAsset(t, src.ID)
	if a.Storage.Status.Phase != domain.StoragePhaseReady || a.Storage.IPFS.CID != "bafy1" {
		t.Fatalf("storage after export = %+v / %+v", a.Storage.Status, a.Storage.IPFS)
	}
	if a.Storage.Status.Tasks.Last != first.ID || a.Storage.IPFS.NFTMetadata.CID != "bafymeta" {
		t.Fatalf("storage tasks = %+v", a.Storage.Status.Tasks)
	}

	second := export("file")
	h.deliver(t, second, events.TaskResult{Error: &events.TaskError{Message: "pin failed", Unretriable: true}})
	a = h.getAsset(t, src.ID)
	if a.Storage.Status.Phase != domain.StoragePhaseReverted {
		t.Fatalf("storage phase = %q, want reverted", a.Storage.Status.Phase)
	}
	if a.Storage.IPFS.Spec.NFTMetadataTemplate != "player" {
		t.Fatalf("spec = %+v, want the first export's", a.Storage.IPFS.Spec)
	}
	if a.Storage.Status.Tasks.Failed != second.ID || a.Storage.Status.Tasks.Last != first.ID {
		t.Fatalf("storage tasks = %+v", a.Storage.Status.Tasks)
	}
	if a.Status.Phase != domain.AssetPhaseReady {
		t.Fatalf("asset phase = %q, export must not fail the asset", a.Status.Phase)
	}
}

func TestFirstExportFailureMarksStorageFailed(t *testing.T) {
	h := newHarness(t)
	src := h.asset(t, domain.Asset{ID: "src", Status: domain.AssetStatus{Phase: domain.AssetPhaseReady, UpdatedAt: 1}})
	task, err := h.e.CreateTask(context.Background(), engine.NewTask{
		Type:       domain.TaskTypeExport,
		InputAsset: &src,
		Params:     domain.TaskParams{Export: &domain.ExportParams{IPFS: &domain.IPFSExportParams{}}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.deliver(t, task, events.TaskResult{Error: &events.TaskError{Message: "nope", Unretriable: true}})
	a := h.getAsset(t, src.ID)
	if a.Storage.Status.Phase != domain.StoragePhaseFailed || a.Storage.IPFS != nil {
		t.Fatalf("storage = %+v", a.Storage)
	}
}

func TestRecordingImportFiresRecordingReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := domain.Session{ID: "sess-1", ParentID: "stream-1", UserID: "user-1", Record: true,
		RecordingStatus: domain.RecordingStatusWaiting}
	if err := h.st.Sessions().Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	out := h.asset(t, domain.Asset{ID: "rec", Source: domain.AssetSource{Type: domain.AssetSourceRecording, SessionID: session.ID}})
	task := h.createImport(t, out)

	h.deliver(t, task, events.TaskResult{Output: importOutput(&domain.AssetSpec{Size: 99})})

	stored, err := h.st.Sessions().Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.RecordingStatus != domain.RecordingStatusReady {
		t.Fatalf("recordingStatus = %q", stored.RecordingStatus)
	}
	if stored.RecordingURL != "https://play.example.com/recordings/sess-1/index.m3u8" {
		t.Fatalf("recordingUrl = %q", stored.RecordingURL)
	}
	hooks := h.q.Webhooks(t, events.RecordingReady)
	if len(hooks) != 1 {
		t.Fatalf("recording.ready = %d, want 1", len(hooks))
	}
	if hooks[0].StreamID != "stream-1" || hooks[0].SessionID != "sess-1" {
		t.Fatalf("envelope = %+v", hooks[0])
	}
}

func TestExportDataUpdatesAttestation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.st.Attestations().Create(ctx, domain.Attestation{ID: "att-1", UserID: "user-1"}); err != nil {
		t.Fatalf("create attestation: %v", err)
	}
	task, err := h.e.CreateTask(ctx, engine.NewTask{
		Type:   domain.TaskTypeExportData,
		UserID: "user-1",
		Params: domain.TaskParams{ExportData: &domain.ExportDataParams{
			Type: domain.ExportDataTypeAttestation, ID: "att-1", Content: json.RawMessage(`{"a":1}`),
		}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.deliver(t, task, events.TaskResult{Output: &domain.TaskOutput{ExportData: &domain.ExportOutput{
		IPFS: &domain.IPFSResult{CID: "bafyatt"},
	}}})

	att, err := h.st.Attestations().Get(ctx, "att-1")
	if err != nil {
		t.Fatalf("get attestation: %v", err)
	}
	if att.Storage == nil || att.Storage.IPFS.CID != "bafyatt" || att.Storage.Status.Phase != domain.StoragePhaseReady {
		t.Fatalf("attestation storage = %+v", att.Storage)
	}
	if phase := h.getTask(t, task.ID).Status.Phase; phase != domain.TaskPhaseCompleted {
		t.Fatalf("task phase = %q", phase)
	}
}

func TestExportDataMissingIPFSFails(t *testing.T) {
	h := newHarness(t)
	task, err := h.e.CreateTask(context.Background(), engine.NewTask{
		Type:   domain.TaskTypeExportData,
		UserID: "user-1",
		Params: domain.TaskParams{ExportData: &domain.ExportDataParams{Type: "custom", ID: "x"}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.deliver(t, task, events.TaskResult{Output: &domain.TaskOutput{}})
	stored := h.getTask(t, task.ID)
	if stored.Status.Phase != domain.TaskPhaseFailed || stored.Status.ErrorMessage != "bad task output: missing ipfs" {
		t.Fatalf("status = %+v", stored.Status)
	}
}

func TestCreateTaskRejectsUnknownType(t *testing.T) {
	h := newHarness(t)
	if _, err := h.e.CreateTask(context.Background(), engine.NewTask{Type: "render", UserID: "u"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestInterruptedRetryIsReturnedToBroker(t *testing.T) {
	st := testsupport.MustOpenStore(t)
	q := testsupport.NewQueue()
	cfg := engine.DefaultConfig()
	cfg.BaseRetryDelay = time.Minute
	e := engine.New(cfg, engine.StoreRepositories(st), q, nil)

	out := domain.Asset{ID: "asset-1", UserID: "user-1", Status: domain.AssetStatus{Phase: domain.AssetPhaseWaiting, UpdatedAt: 1}}
	if err := st.Assets().Create(context.Background(), out); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	task, err := e.CreateTask(context.Background(), engine.NewTask{
		Type:        domain.TaskTypeImport,
		OutputAsset: &out,
		Params:      domain.TaskParams{Import: &domain.ImportParams{URL: "https://example.com/in.mp4"}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	body, err := json.Marshal(events.TaskResult{
		Type:  events.MessageTaskResult,
		Task:  events.TaskInfo{ID: task.ID, Type: task.Type},
		Error: &events.TaskError{Message: "transient"},
	})
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	delivery := queue.NewDelivery(queue.TopicTasks, events.ResultRoutingKey(task.Type, task.ID), body, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.HandleResultMessage(ctx, delivery)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := st.Tasks().Get(context.Background(), task.ID)
		if err == nil && stored.Status.Retries == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("retry was never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after cancel")
	}

	if acks, nacks := q.Acks(), q.Nacks(); acks != 0 || nacks != 1 {
		t.Fatalf("acks=%d nacks=%d, want 0 and 1", acks, nacks)
	}
	if n := len(q.Messages("task.trigger.")); n != 1 {
		t.Fatalf("triggers = %d, want only the initial one", n)
	}

	// the broker redelivers to a process that is not shutting down
	recovered := engine.New(cfg, engine.StoreRepositories(st), q,
		nil, engine.WithSleep(func(context.Context, time.Duration) error { return nil }))
	recovered.HandleResultMessage(context.Background(), delivery)
	stored, err := st.Tasks().Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status.Phase != domain.TaskPhaseWaiting {
		t.Fatalf("phase = %q, want waiting", stored.Status.Phase)
	}
	if n := len(q.Messages("task.trigger.")); n != 2 {
		t.Fatalf("triggers = %d, want task rescheduled", n)
	}
	if q.Acks() != 1 {
		t.Fatalf("acks = %d, want redelivery acked", q.Acks())
	}
}

func TestInterruptedStoreAccessIsNotAcked(t *testing.T) {
	h := newHarness(t)
	out := h.asset(t, domain.Asset{ID: "asset-1"})
	task := h.createImport(t, out)

	body, err := json.Marshal(events.TaskResult{
		Type:   events.MessageTaskResult,
		Task:   events.TaskInfo{ID: task.ID, Type: task.Type},
		Output: importOutput(&domain.AssetSpec{Size: 1}),
	})
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.e.HandleResultMessage(ctx, queue.NewDelivery(queue.TopicTasks, "task.result.import."+task.ID, body, nil))

	if acks, nacks := h.q.Acks(), h.q.Nacks(); acks != 0 || nacks != 1 {
		t.Fatalf("acks=%d nacks=%d, want 0 and 1", acks, nacks)
	}
	if phase := h.getTask(t, task.ID).Status.Phase; phase != domain.TaskPhaseWaiting {
		t.Fatalf("phase = %q, want waiting", phase)
	}
}

func TestDuplicateSuccessFiresRecordingReadyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := domain.Session{ID: "sess-1", ParentID: "stream-1", UserID: "user-1", Record: true,
		RecordingStatus: domain.RecordingStatusWaiting}
	if err := h.st.Sessions().Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	out := h.asset(t, domain.Asset{ID: "rec", Source: domain.AssetSource{Type: domain.AssetSourceRecording, SessionID: session.ID}})
	task := h.createImport(t, out)
	res := events.TaskResult{Output: importOutput(&domain.AssetSpec{Size: 99})}

	h.deliver(t, task, res)
	assetUpdates := h.q.Count(t, events.AssetUpdated)

	// a second copy that read the task before the first one completed it
	waiting := domain.TaskStatus{Phase: domain.TaskPhaseWaiting, UpdatedAt: 1}
	if _, err := h.st.Tasks().Update(ctx, task.ID, store.Patch{}.Set("status", waiting)); err != nil {
		t.Fatalf("reset task: %v", err)
	}
	h.deliver(t, task, res)

	if got := h.q.Count(t, events.RecordingReady); got != 1 {
		t.Fatalf("recording.ready = %d, want 1", got)
	}
	if got := h.q.Count(t, events.AssetUpdated); got != assetUpdates {
		t.Fatalf("asset.updated = %d, want %d", got, assetUpdates)
	}
	if a := h.getAsset(t, out.ID); a.Status.Phase != domain.AssetPhaseReady {
		t.Fatalf("asset phase = %q, want ready", a.Status.Phase)
	}
}
