package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jutukuva/livecaption/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// Session is the persisted record for a room: who hosts it and what the
// auto-confirm policy was when last saved.
type Session struct {
	Code                   string
	HostReplica            string
	Role                   string
	AutoConfirmEnabled     bool
	AutoConfirmTimeoutSecs int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Store wraps the SQLite session/snapshot store. Snapshots are written
// opportunistically on a timer, never per keystroke; they exist for crash
// recovery, not as the replication mechanism.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode yields a
// store whose writes are all no-ops.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.Mode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    code TEXT PRIMARY KEY,
    host_replica TEXT,
    role TEXT,
    autoconfirm_enabled INTEGER NOT NULL DEFAULT 0,
    autoconfirm_timeout_s INTEGER NOT NULL DEFAULT 5,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
    code TEXT PRIMARY KEY,
    state BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSession upserts the session record for a room code.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	if s.db == nil {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(code, host_replica, role, autoconfirm_enabled, autoconfirm_timeout_s, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(code) DO UPDATE SET
		   host_replica=excluded.host_replica,
		   role=excluded.role,
		   autoconfirm_enabled=excluded.autoconfirm_enabled,
		   autoconfirm_timeout_s=excluded.autoconfirm_timeout_s,
		   updated_at=excluded.updated_at`,
		sess.Code, sess.HostReplica, sess.Role,
		boolToInt(sess.AutoConfirmEnabled), sess.AutoConfirmTimeoutSecs, now, now)
	return err
}

// GetSession loads the record for a room code.
func (s *Store) GetSession(ctx context.Context, code string) (Session, error) {
	if s.db == nil {
		return Session{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT code, host_replica, role, autoconfirm_enabled, autoconfirm_timeout_s, created_at, updated_at
		 FROM sessions WHERE code = ?`, code)
	var sess Session
	var enabled int
	var created, updated string
	if err := row.Scan(&sess.Code, &sess.HostReplica, &sess.Role, &enabled, &sess.AutoConfirmTimeoutSecs, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess.AutoConfirmEnabled = enabled != 0
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		sess.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		sess.UpdatedAt = ts
	}
	return sess, nil
}

// SaveSnapshot stores the serialized document state for a room.
func (s *Store) SaveSnapshot(ctx context.Context, code string, state []byte) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(code, state, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(code) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		code, state, s.clock().UTC())
	return err
}

// LoadSnapshot returns the last saved document state for a room.
func (s *Store) LoadSnapshot(ctx context.Context, code string) ([]byte, error) {
	if s.db == nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT state FROM snapshots WHERE code = ?`, code)
	var state []byte
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return state, nil
}

// Prune applies retention: sessions older than retention_days and beyond
// max_sessions are dropped along with their snapshots.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		// Snapshots age out on their own timestamp: viewer-only rooms have
		// snapshots but no session row.
		if _, err = tx.ExecContext(ctx, `DELETE FROM snapshots WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM snapshots WHERE code IN (
			SELECT code FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE code IN (
			SELECT code FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
