package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jutukuva/livecaption/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.StoreConfig{Mode: "ephemeral"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// Writes are no-ops, reads report not found.
	if err := s.SaveSession(context.Background(), Session{Code: "abc"}); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if _, err := s.GetSession(context.Background(), "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "caption.db"), Mode: "persistent"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	sess := Session{
		Code:                   "abc123",
		HostReplica:            "replica-1",
		Role:                   "host",
		AutoConfirmEnabled:     true,
		AutoConfirmTimeoutSecs: 7,
	}
	if err := s.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := s.GetSession(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.HostReplica != "replica-1" || !got.AutoConfirmEnabled || got.AutoConfirmTimeoutSecs != 7 {
		t.Fatalf("unexpected session: %+v", got)
	}

	// Upsert replaces the record for the same code.
	sess.HostReplica = "replica-2"
	if err := s.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("save session: %v", err)
	}
	got, err = s.GetSession(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.HostReplica != "replica-2" {
		t.Fatalf("expected upsert, got %+v", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "caption.db"), Mode: "persistent"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// No session row exists: viewer-only rooms never write one, and their
	// snapshots must still save.
	state := []byte(`{"paragraphs":[]}`)
	if err := s.SaveSnapshot(context.Background(), "abc123", state); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	got, err := s.LoadSnapshot(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if string(got) != string(state) {
		t.Fatalf("unexpected snapshot: %s", got)
	}

	if _, err := s.LoadSnapshot(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "caption.db"), Mode: "persistent", RetentionDays: 1, MaxSessions: 1}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.SaveSession(context.Background(), Session{Code: "old"}); err != nil {
		t.Fatalf("save old session: %v", err)
	}
	if err := s.SaveSnapshot(context.Background(), "old", []byte(`{}`)); err != nil {
		t.Fatalf("save old snapshot: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.SaveSession(context.Background(), Session{Code: "new"}); err != nil {
		t.Fatalf("save new session: %v", err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := s.GetSession(context.Background(), "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old session pruned, got %v", err)
	}
	if _, err := s.GetSession(context.Background(), "new"); err != nil {
		t.Fatalf("new session must survive prune: %v", err)
	}
	if _, err := s.LoadSnapshot(context.Background(), "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old snapshot pruned, got %v", err)
	}
}
