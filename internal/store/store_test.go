package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"ptyhub/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(Config{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id string, status session.Status, created time.Time) *session.Session {
	return &session.Session{
		ID:               id,
		Name:             "name-" + id,
		Status:           status,
		Command:          "echo " + id,
		WorkingDirectory: "/tmp",
		RunAsIdentity:    "alice",
		CreatedAt:        created,
	}
}

func TestStore_CreateGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	if err := s.Create(ctx, record("a", session.StatusRunning, created)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "name-a" || got.Command != "echo a" || got.WorkingDirectory != "/tmp" || got.RunAsIdentity != "alice" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Status != session.StatusRunning || got.PID != 0 {
		t.Errorf("unexpected status/pid: %s %d", got.Status, got.PID)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("expected created %v, got %v", created, got.CreatedAt)
	}

	if err := s.Create(ctx, record("a", session.StatusRunning, created)); err == nil {
		t.Error("expected duplicate id to fail")
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, session.ErrNoSuchSession) {
		t.Fatalf("expected ErrNoSuchSession, got %v", err)
	}
}

func TestStore_Updates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, record("a", session.StatusRunning, time.Now())); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdatePID(ctx, "a", 4242); err != nil {
		t.Fatalf("UpdatePID failed: %v", err)
	}
	if err := s.UpdateStatus(ctx, "a", session.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	got, _ := s.Get(ctx, "a")
	if got.PID != 4242 || got.Status != session.StatusCompleted {
		t.Errorf("unexpected record: %+v", got)
	}

	if err := s.UpdateStatus(ctx, "missing", session.StatusFailed); !errors.Is(err, session.ErrNoSuchSession) {
		t.Errorf("expected ErrNoSuchSession, got %v", err)
	}
	if err := s.UpdatePID(ctx, "missing", 1); !errors.Is(err, session.ErrNoSuchSession) {
		t.Errorf("expected ErrNoSuchSession, got %v", err)
	}
}

func TestStore_RejectsUnknownStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, record("a", session.StatusRunning, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, "a", session.Status("paused")); err == nil {
		t.Error("expected CHECK constraint to reject unknown status")
	}
}

func TestStore_ListOrderAndFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Sub-second differences must still order correctly.
	recs := []*session.Session{
		record("a", session.StatusRunning, base.Add(100*time.Millisecond)),
		record("b", session.StatusCompleted, base.Add(120*time.Millisecond)),
		record("c", session.StatusRunning, base.Add(time.Second)),
	}
	for _, r := range recs {
		if err := s.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if got := ids(all); len(got) != 3 || got[0] != "c" || got[1] != "b" || got[2] != "a" {
		t.Errorf("expected [c b a], got %v", got)
	}

	running, err := s.ListByStatus(ctx, session.StatusRunning)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if got := ids(running); len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Errorf("expected [c a], got %v", got)
	}

	none, _ := s.ListByStatus(ctx, session.StatusStopped)
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", none)
	}
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, record("a", session.StatusStopped, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, session.ErrNoSuchSession) {
		t.Errorf("expected record gone, got %v", err)
	}
	if err := s.Delete(ctx, "a"); !errors.Is(err, session.ErrNoSuchSession) {
		t.Errorf("expected ErrNoSuchSession on second delete, got %v", err)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx := context.Background()
	if err := s.Create(ctx, record("a", session.StatusRunning, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(ctx, "a"); err != nil {
		t.Errorf("expected record to survive reopen, got %v", err)
	}
}

func TestStore_ReadsLegacyTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		t.Fatal(err)
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (id, name, command, working_directory, run_as_user) VALUES ('old', 'old', 'ls', '/tmp', 'bob')`,
		nil)
	s.pool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "old")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != session.StatusRunning || got.CreatedAt.IsZero() {
		t.Errorf("expected defaults from schema, got %+v", got)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func ids(sessions []*session.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
