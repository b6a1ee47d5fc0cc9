package store

import (
	"context"

	"vodflow/internal/domain"
)

type TaskStore struct{ docs docs[domain.Task] }

func (s *TaskStore) Create(ctx context.Context, task domain.Task) error {
	return s.docs.insert(ctx, task.ID, task)
}

func (s *TaskStore) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.docs.get(ctx, id)
}

// Update writes patch only while the task's phase is one of allowed (any phase
// when allowed is empty). It reports whether the write applied.
func (s *TaskStore) Update(ctx context.Context, id string, patch Patch, allowed ...domain.TaskPhase) (bool, error) {
	var conds []cond
	if len(allowed) > 0 {
		conds = append(conds, in(s.docs.s.d, "status.phase", allowed))
	}
	return s.docs.update(ctx, id, patch, conds...)
}

// CountScheduled counts the user's tasks that have not reached a terminal phase.
func (s *TaskStore) CountScheduled(ctx context.Context, userID string) (int, error) {
	d := s.docs.s.d
	return s.docs.count(ctx, []cond{
		{sql: d.path("userId") + " = ?", args: []any{userID}},
		in(d, "status.phase", domain.ActiveTaskPhases),
	})
}

// ListByUser returns the user's most recently created tasks.
func (s *TaskStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Task, error) {
	d := s.docs.s.d
	return s.docs.find(ctx,
		[]cond{{sql: d.path("userId") + " = ?", args: []any{userID}}},
		d.number("createdAt")+" DESC", limit)
}

type AssetStore struct{ docs docs[domain.Asset] }

func (s *AssetStore) Create(ctx context.Context, asset domain.Asset) error {
	return s.docs.insert(ctx, asset.ID, asset)
}

func (s *AssetStore) Get(ctx context.Context, id string) (domain.Asset, error) {
	return s.docs.get(ctx, id)
}

// Update writes patch only while the asset's phase is one of allowed (any
// phase when allowed is empty).
func (s *AssetStore) Update(ctx context.Context, id string, patch Patch, allowed ...domain.AssetPhase) (bool, error) {
	var conds []cond
	if len(allowed) > 0 {
		conds = append(conds, in(s.docs.s.d, "status.phase", allowed))
	}
	return s.docs.update(ctx, id, patch, conds...)
}

// FindByProject returns assets of a project that are not soft-deleted.
func (s *AssetStore) FindByProject(ctx context.Context, projectID string, limit int) ([]domain.Asset, error) {
	d := s.docs.s.d
	return s.docs.find(ctx, []cond{
		{sql: d.path("projectId") + " = ?", args: []any{projectID}},
		{sql: "NOT " + d.truthy("deleted")},
	}, d.number("createdAt")+" ASC", limit)
}

type SessionStore struct{ docs docs[domain.Session] }

func (s *SessionStore) Create(ctx context.Context, session domain.Session) error {
	return s.docs.insert(ctx, session.ID, session)
}

func (s *SessionStore) Get(ctx context.Context, id string) (domain.Session, error) {
	return s.docs.get(ctx, id)
}

func (s *SessionStore) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	return s.docs.update(ctx, id, patch)
}

type StreamStore struct{ docs docs[domain.Stream] }

func (s *StreamStore) Create(ctx context.Context, stream domain.Stream) error {
	return s.docs.insert(ctx, stream.ID, stream)
}

func (s *StreamStore) Get(ctx context.Context, id string) (domain.Stream, error) {
	return s.docs.get(ctx, id)
}

func (s *StreamStore) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	return s.docs.update(ctx, id, patch)
}

// FindStaleActive returns streams still flagged active whose lastSeen is
// before threshold (unix ms), least recently seen first.
func (s *StreamStore) FindStaleActive(ctx context.Context, threshold int64, limit int) ([]domain.Stream, error) {
	d := s.docs.s.d
	return s.docs.find(ctx, []cond{
		{sql: d.truthy("isActive")},
		{sql: d.number("lastSeen") + " < ?", args: []any{threshold}},
	}, d.number("lastSeen")+" ASC", limit)
}

// SetActiveToFalse marks the stream inactive with zeroed rates unless it has
// been seen after lastSeen in the meantime.
func (s *StreamStore) SetActiveToFalse(ctx context.Context, id string, lastSeen int64) (bool, error) {
	d := s.docs.s.d
	patch := Patch{}.Set("isActive", false).Set("ingestRate", 0).Set("outgoingRate", 0)
	return s.docs.update(ctx, id, patch,
		cond{sql: d.truthy("isActive")},
		cond{sql: "COALESCE(" + d.number("lastSeen") + ", 0) <= ?", args: []any{lastSeen}},
	)
}

// FindByProject returns streams of a project that are not soft-deleted.
func (s *StreamStore) FindByProject(ctx context.Context, projectID string, limit int) ([]domain.Stream, error) {
	d := s.docs.s.d
	return s.docs.find(ctx, []cond{
		{sql: d.path("projectId") + " = ?", args: []any{projectID}},
		{sql: "NOT " + d.truthy("deleted")},
	}, d.number("createdAt")+" ASC", limit)
}

type ProjectStore struct{ docs docs[domain.Project] }

func (s *ProjectStore) Create(ctx context.Context, project domain.Project) error {
	return s.docs.insert(ctx, project.ID, project)
}

func (s *ProjectStore) Get(ctx context.Context, id string) (domain.Project, error) {
	return s.docs.get(ctx, id)
}

func (s *ProjectStore) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	return s.docs.update(ctx, id, patch)
}

// FindDeleted returns soft-deleted projects whose children were not cleaned up
// yet, oldest deletion first.
func (s *ProjectStore) FindDeleted(ctx context.Context, limit int) ([]domain.Project, error) {
	d := s.docs.s.d
	return s.docs.find(ctx, []cond{
		{sql: d.truthy("deleted")},
		{sql: "NOT " + d.truthy("cleanedUp")},
	}, "COALESCE("+d.number("deletedAt")+", 0) ASC", limit)
}

type AttestationStore struct{ docs docs[domain.Attestation] }

func (s *AttestationStore) Create(ctx context.Context, att domain.Attestation) error {
	return s.docs.insert(ctx, att.ID, att)
}

func (s *AttestationStore) Get(ctx context.Context, id string) (domain.Attestation, error) {
	return s.docs.get(ctx, id)
}

func (s *AttestationStore) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	return s.docs.update(ctx, id, patch)
}
