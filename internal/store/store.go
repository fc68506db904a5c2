// Package store persists session records in SQLite.
//
// The schema matches the sessions table earlier deployments created, so an
// existing sessions.db is picked up as is. Connections come from a
// zombiezen sqlitex.Pool; every connection is prepared with WAL pragmas and
// the schema before first use.
package store

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"ptyhub/internal/logging"
	"ptyhub/internal/session"
)

// timeLayout is fixed-width so that created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	status TEXT DEFAULT 'running' CHECK(status IN ('running', 'stopped', 'completed', 'failed')),
	command TEXT,
	working_directory TEXT,
	pid INTEGER,
	run_as_user TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_status ON sessions(status);
`

const selectColumns = `SELECT id, name, created_at, status, command, working_directory, pid, run_as_user FROM sessions`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file. It is created if missing; its parent
	// directory must exist.
	Path string

	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int

	Logger *log.Logger
}

// Store is a session.Store backed by SQLite. It is safe for concurrent use.
type Store struct {
	pool *sqlitex.Pool
	path string
	log  *log.Logger
}

var _ session.Store = (*Store)(nil)

// Open opens (and if needed creates) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, path: cfg.Path, log: logger.WithPrefix("store")}

	// Take one connection now so schema errors surface at startup.
	conn, err := s.take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool.Put(conn)

	s.log.Info("session store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	return nil
}

// Close closes every connection.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.log.Info("session store closed", "path", s.path)
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	return conn, nil
}

func (s *Store) Create(ctx context.Context, rec *session.Session) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (id, name, created_at, status, command, working_directory, pid, run_as_user)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				rec.ID,
				rec.Name,
				rec.CreatedAt.UTC().Format(timeLayout),
				string(rec.Status),
				rec.Command,
				rec.WorkingDirectory,
				nullablePID(rec.PID),
				rec.RunAsIdentity,
			},
		})
	if err != nil {
		return fmt.Errorf("store: create %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	sessions, err := s.query(ctx, selectColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: %s", session.ErrNoSuchSession, id)
	}
	return sessions[0], nil
}

func (s *Store) List(ctx context.Context) ([]*session.Session, error) {
	return s.query(ctx, selectColumns+` ORDER BY created_at DESC`)
}

func (s *Store) ListByStatus(ctx context.Context, status session.Status) ([]*session.Session, error) {
	return s.query(ctx, selectColumns+` WHERE status = ? ORDER BY created_at DESC`, string(status))
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status session.Status) error {
	return s.exec(ctx, id, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
}

func (s *Store) UpdatePID(ctx context.Context, id string, pid int) error {
	return s.exec(ctx, id, `UPDATE sessions SET pid = ? WHERE id = ?`, nullablePID(pid), id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, id, `DELETE FROM sessions WHERE id = ?`, id)
}

// exec runs a single-row write and reports ErrNoSuchSession when it
// touched nothing.
func (s *Store) exec(ctx context.Context, id, query string, args ...any) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("store: %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", session.ErrNoSuchSession, id)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*session.Session, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	sessions := []*session.Session{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec, err := scanSession(stmt)
			if err != nil {
				return err
			}
			sessions = append(sessions, rec)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	return sessions, nil
}

func scanSession(stmt *sqlite.Stmt) (*session.Session, error) {
	createdAt, err := parseTime(stmt.ColumnText(2))
	if err != nil {
		return nil, fmt.Errorf("session %s: created_at: %w", stmt.ColumnText(0), err)
	}
	return &session.Session{
		ID:               stmt.ColumnText(0),
		Name:             stmt.ColumnText(1),
		CreatedAt:        createdAt,
		Status:           session.Status(stmt.ColumnText(3)),
		Command:          stmt.ColumnText(4),
		WorkingDirectory: stmt.ColumnText(5),
		PID:              int(stmt.ColumnInt64(6)),
		RunAsIdentity:    stmt.ColumnText(7),
	}, nil
}

// parseTime accepts our own layout and SQLite's CURRENT_TIMESTAMP format.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}

func nullablePID(pid int) any {
	if pid <= 0 {
		return nil
	}
	return pid
}
