package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"vodflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store persists platform entities as JSON documents, one table per kind.
// DSNs starting with postgres:// use Postgres; anything else is a SQLite path.
type Store struct {
	db *sql.DB
	d  dialect
}

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database url is required")
	}
	d := dialectFor(dsn)
	source := dsn
	if d.name == "sqlite" && !strings.HasPrefix(dsn, "file:") {
		source = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn)
	}

	db, err := sql.Open(d.driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", d.name, err)
	}
	if d.name == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite single writer
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", d.name, err)
	}

	s := &Store{db: db, d: d}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect reports the backing database kind.
func (s *Store) Dialect() string { return s.d.name }

var tables = []string{"task", "asset", "session", "stream", "project", "attestation"}

// EnsureSchema creates tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := make([]string, 0, len(tables)+6)
	for _, t := range tables {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  data %s NOT NULL
)`, t, s.d.dataType))
	}
	index := func(name, table string, exprs ...string) string {
		cols := make([]string, len(exprs))
		for i, e := range exprs {
			cols[i] = "(" + e + ")"
		}
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, strings.Join(cols, ", "))
	}
	stmts = append(stmts,
		index("task_user_phase", "task", s.d.path("userId"), s.d.path("status.phase")),
		index("asset_project", "asset", s.d.path("projectId")),
		index("stream_active_last_seen", "stream", s.d.path("isActive"), s.d.number("lastSeen")),
		index("stream_project", "stream", s.d.path("projectId")),
		index("project_deleted", "project", s.d.path("deleted")),
	)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) Tasks() *TaskStore {
	return &TaskStore{docs: docs[domain.Task]{s: s, table: "task"}}
}

func (s *Store) Assets() *AssetStore {
	return &AssetStore{docs: docs[domain.Asset]{s: s, table: "asset"}}
}

func (s *Store) Sessions() *SessionStore {
	return &SessionStore{docs: docs[domain.Session]{s: s, table: "session"}}
}

func (s *Store) Streams() *StreamStore {
	return &StreamStore{docs: docs[domain.Stream]{s: s, table: "stream"}}
}

func (s *Store) Projects() *ProjectStore {
	return &ProjectStore{docs: docs[domain.Project]{s: s, table: "project"}}
}

func (s *Store) Attestations() *AttestationStore {
	return &AttestationStore{docs: docs[domain.Attestation]{s: s, table: "attestation"}}
}

// docs implements the shared document-table operations for one entity kind.
type docs[T any] struct {
	s     *Store
	table string
}

func (t docs[T]) insert(ctx context.Context, id string, v T) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("insert %s: id is required", t.table)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", t.table, err)
	}
	q := fmt.Sprintf("INSERT INTO %s (id, data) VALUES (?, %s)", t.table, t.s.d.jsonArg)
	if _, err := t.s.db.ExecContext(ctx, t.s.d.rebind(q), id, string(raw)); err != nil {
		return fmt.Errorf("insert %s: %w", t.table, err)
	}
	return nil
}

func (t docs[T]) get(ctx context.Context, id string) (T, error) {
	var zero T
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", t.s.d.dataCol, t.table)
	var raw []byte
	err := t.s.db.QueryRowContext(ctx, t.s.d.rebind(q), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%s %s: %w", t.table, id, ErrNotFound)
	}
	if err != nil {
		return zero, fmt.Errorf("get %s: %w", t.table, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decode %s %s: %w", t.table, id, err)
	}
	return v, nil
}

// update applies patch in a single statement, guarded by conds. It reports
// whether a row matched.
func (t docs[T]) update(ctx context.Context, id string, patch Patch, conds ...cond) (bool, error) {
	expr, args, err := t.s.d.patch(patch)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", t.table, err)
	}
	all := append([]cond{{sql: "id = ?", args: []any{id}}}, conds...)
	clause, whereArgs := where(all)
	q := fmt.Sprintf("UPDATE %s SET data = %s%s", t.table, expr, clause)
	res, err := t.s.db.ExecContext(ctx, t.s.d.rebind(q), append(args, whereArgs...)...)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", t.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update %s rows affected: %w", t.table, err)
	}
	return n > 0, nil
}

func (t docs[T]) find(ctx context.Context, conds []cond, orderBy string, limit int) ([]T, error) {
	clause, args := where(conds)
	q := fmt.Sprintf("SELECT %s FROM %s%s", t.s.d.dataCol, t.table, clause)
	if orderBy != "" {
		q += " ORDER BY " + orderBy
	}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := t.s.db.QueryContext(ctx, t.s.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", t.table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.table, err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t.table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t docs[T]) count(ctx context.Context, conds []cond) (int, error) {
	clause, args := where(conds)
	q := fmt.Sprintf("SELECT COUNT(1) FROM %s%s", t.table, clause)
	var n int
	if err := t.s.db.QueryRowContext(ctx, t.s.d.rebind(q), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.table, err)
	}
	return n, nil
}
