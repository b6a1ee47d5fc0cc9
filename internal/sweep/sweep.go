package sweep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"vodflow/internal/domain"
	"vodflow/internal/engine"
	"vodflow/internal/events"
	"vodflow/internal/observability"
	"vodflow/internal/store"
)

const (
	NameActive   = "active"
	NameProjects = "projects"
)

type StreamRepository interface {
	Get(ctx context.Context, id string) (domain.Stream, error)
	Update(ctx context.Context, id string, patch store.Patch) (bool, error)
	FindStaleActive(ctx context.Context, threshold int64, limit int) ([]domain.Stream, error)
	SetActiveToFalse(ctx context.Context, id string, lastSeen int64) (bool, error)
	FindByProject(ctx context.Context, projectID string, limit int) ([]domain.Stream, error)
}

type SessionRepository interface {
	Get(ctx context.Context, id string) (domain.Session, error)
	Update(ctx context.Context, id string, patch store.Patch) (bool, error)
}

type ProjectRepository interface {
	FindDeleted(ctx context.Context, limit int) ([]domain.Project, error)
	Update(ctx context.Context, id string, patch store.Patch) (bool, error)
}

type AssetFinder interface {
	FindByProject(ctx context.Context, projectID string, limit int) ([]domain.Asset, error)
}

type Repositories struct {
	Streams  StreamRepository
	Sessions SessionRepository
	Projects ProjectRepository
	Assets   AssetFinder
}

func StoreRepositories(s *store.Store) Repositories {
	return Repositories{
		Streams:  s.Streams(),
		Sessions: s.Sessions(),
		Projects: s.Projects(),
		Assets:   s.Assets(),
	}
}

// Emitter is the part of the engine the sweeps write and notify through.
type Emitter interface {
	EmitDelayed(ctx context.Context, event events.Name, userID string, payload any, delay time.Duration, opts ...events.Option) error
	UpdateAsset(ctx context.Context, asset domain.Asset, upd engine.AssetUpdate, allowed ...domain.AssetPhase) (domain.Asset, bool, error)
}

type Config struct {
	ActiveTimeout         time.Duration
	RecordingWaitingDelay time.Duration
	ActiveLimit           int
	ProjectsLimit         int
}

// Result lists what one sweep run finalized.
type Result struct {
	Cleaned    []string
	LogContext string
}

// ProjectTrigger runs synchronously for every project the cleanup sweep
// cascades through, after its children are soft-deleted.
type ProjectTrigger func(ctx context.Context, project domain.Project) error

type Sweeper struct {
	cfg     Config
	repos   Repositories
	emitter Emitter
	metrics *observability.Metrics
}

func New(cfg Config, repos Repositories, emitter Emitter, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{cfg: cfg, repos: repos, emitter: emitter, metrics: metrics}
}

// ActiveCleanup finalizes streams still flagged active whose lastSeen is
// older than now minus the active timeout, most stale first. Per-stream
// failures are logged; a stream counts as cleaned once it is deactivated.
func (s *Sweeper) ActiveCleanup(ctx context.Context, now time.Time, limit int) Result {
	start := time.Now()
	if limit <= 0 {
		limit = s.cfg.ActiveLimit
	}
	threshold := domain.Millis(now.Add(-s.cfg.ActiveTimeout))

	streams, err := s.repos.Streams.FindStaleActive(ctx, threshold, limit)
	if err != nil {
		log.Error().Err(err).Msg("active cleanup: scan failed")
		return Result{LogContext: fmt.Sprintf("threshold=%d limit=%d scan failed", threshold, limit)}
	}

	var cleaned, partial []string
	for _, stream := range streams {
		ok, err := s.cleanUpStream(ctx, stream)
		if ok {
			// deactivated, even if a later step failed
			cleaned = append(cleaned, stream.ID)
		}
		if err != nil {
			msg := "active cleanup: stream skipped"
			if ok {
				partial = append(partial, stream.ID)
				msg = "active cleanup: stream deactivated with errors"
			}
			log.Error().Err(err).Str("stream_id", stream.ID).Msg(msg)
		}
	}

	s.metrics.ObserveSweep(NameActive, len(cleaned), time.Since(start))
	logContext := fmt.Sprintf("threshold=%d limit=%d found=%d cleaned=%d ids=%s",
		threshold, limit, len(streams), len(cleaned), strings.Join(cleaned, ","))
	if len(partial) > 0 {
		logContext += " partial=" + strings.Join(partial, ",")
	}
	return Result{Cleaned: cleaned, LogContext: logContext}
}

func (s *Sweeper) cleanUpStream(ctx context.Context, stream domain.Stream) (bool, error) {
	applied, err := s.repos.Streams.SetActiveToFalse(ctx, stream.ID, stream.LastSeen)
	if err != nil {
		return false, fmt.Errorf("deactivate stream: %w", err)
	}
	if !applied {
		// seen again since the scan
		return false, nil
	}
	if stream.ParentID == "" {
		return true, nil
	}

	if _, err := s.repos.Streams.SetActiveToFalse(ctx, stream.ParentID, stream.LastSeen); err != nil {
		return true, fmt.Errorf("deactivate parent stream %s: %w", stream.ParentID, err)
	}

	session, err := s.repos.Sessions.Get(ctx, stream.ID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("load session: %w", err)
	}

	session.IngestRate, session.OutgoingRate = 0, 0
	session.LastSeen = stream.LastSeen
	patch := store.Patch{}.
		Set("ingestRate", 0).
		Set("outgoingRate", 0).
		Set("lastSeen", stream.LastSeen)
	recording := session.Record && session.RecordingStatus != domain.RecordingStatusReady
	if recording {
		session.RecordingStatus = domain.RecordingStatusWaiting
		patch.Set("recordingStatus", session.RecordingStatus)
	}
	if _, err := s.repos.Sessions.Update(ctx, session.ID, patch); err != nil {
		return true, fmt.Errorf("finalize session: %w", err)
	}

	if recording {
		payload := events.RecordingPayload{RecordingStatus: domain.RecordingStatusWaiting, Session: session}
		if err := s.emitter.EmitDelayed(ctx, events.RecordingWaiting, session.UserID, payload, s.cfg.RecordingWaitingDelay,
			events.WithStream(session.ParentID), events.WithSession(session.ID)); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ProjectsCleanup soft-deletes the streams and assets of deleted projects,
// runs trigger for each project and marks it cleaned up.
func (s *Sweeper) ProjectsCleanup(ctx context.Context, limit int, trigger ProjectTrigger) Result {
	start := time.Now()
	if limit <= 0 {
		limit = s.cfg.ProjectsLimit
	}
	projects, err := s.repos.Projects.FindDeleted(ctx, limit)
	if err != nil {
		log.Error().Err(err).Msg("projects cleanup: scan failed")
		return Result{LogContext: fmt.Sprintf("limit=%d scan failed", limit)}
	}

	var cleaned []string
	for _, project := range projects {
		if err := s.cleanUpProject(ctx, project, trigger); err != nil {
			log.Error().Err(err).Str("project_id", project.ID).Msg("projects cleanup: project skipped")
			continue
		}
		cleaned = append(cleaned, project.ID)
	}

	s.metrics.ObserveSweep(NameProjects, len(cleaned), time.Since(start))
	return Result{
		Cleaned: cleaned,
		LogContext: fmt.Sprintf("limit=%d found=%d cleaned=%d ids=%s",
			limit, len(projects), len(cleaned), strings.Join(cleaned, ",")),
	}
}

func (s *Sweeper) cleanUpProject(ctx context.Context, project domain.Project, trigger ProjectTrigger) error {
	now := domain.Millis(time.Now())

	streams, err := s.repos.Streams.FindByProject(ctx, project.ID, 0)
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}
	for _, stream := range streams {
		patch := store.Patch{}.Set("deleted", true).Set("deletedAt", now).Set("isActive", false)
		if _, err := s.repos.Streams.Update(ctx, stream.ID, patch); err != nil {
			return fmt.Errorf("delete stream %s: %w", stream.ID, err)
		}
	}

	assets, err := s.repos.Assets.FindByProject(ctx, project.ID, 0)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	deleted := true
	for _, asset := range assets {
		if _, _, err := s.emitter.UpdateAsset(ctx, asset, engine.AssetUpdate{Deleted: &deleted, DeletedAt: now}); err != nil {
			return fmt.Errorf("delete asset %s: %w", asset.ID, err)
		}
	}

	if trigger != nil {
		if err := trigger(ctx, project); err != nil {
			return fmt.Errorf("project trigger: %w", err)
		}
	}
	if _, err := s.repos.Projects.Update(ctx, project.ID, store.Patch{}.Set("cleanedUp", true)); err != nil {
		return fmt.Errorf("mark cleaned up: %w", err)
	}
	log.Info().Str("project_id", project.ID).Int("streams", len(streams)).Int("assets", len(assets)).Msg("project cleaned up")
	return nil
}

// RunActive is the scheduled form of ActiveCleanup.
func (s *Sweeper) RunActive(ctx context.Context) {
	res := s.ActiveCleanup(ctx, time.Now(), 0)
	log.Info().Int("cleaned", len(res.Cleaned)).Str("context", res.LogContext).Msg("active cleanup finished")
}

// RunProjects is the scheduled form of ProjectsCleanup.
func (s *Sweeper) RunProjects(ctx context.Context) {
	res := s.ProjectsCleanup(ctx, 0, nil)
	log.Info().Int("cleaned", len(res.Cleaned)).Str("context", res.LogContext).Msg("projects cleanup finished")
}

// Run executes the named sweep once.
func (s *Sweeper) Run(ctx context.Context, name string) (Result, error) {
	switch name {
	case NameActive:
		return s.ActiveCleanup(ctx, time.Now(), 0), nil
	case NameProjects:
		return s.ProjectsCleanup(ctx, 0, nil), nil
	default:
		return Result{}, fmt.Errorf("unknown sweep %q", name)
	}
}
