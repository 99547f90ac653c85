// Package sqlite implements threadbox.Ledger and threadbox.SessionStore on a
// local SQLite file using the pure-Go modernc driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/threadbox"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	// DefaultRetention is how long completed inbox rows are kept for dedup.
	DefaultRetention = 5 * time.Minute
	// DefaultPruneBatch bounds the rows deleted by one Prune call.
	DefaultPruneBatch = 500
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation. If not set, no
// logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithRetention sets how long completed inbox rows survive before Prune
// removes them. Default: 5 minutes.
func WithRetention(d time.Duration) StoreOption {
	return func(s *Store) { s.retention = d }
}

// WithPruneBatch sets the maximum rows deleted per Prune call. Default: 500.
func WithPruneBatch(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.pruneBatch = n
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store implements threadbox.Ledger and threadbox.SessionStore backed by a
// local SQLite file.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	now        func() time.Time
	retention  time.Duration
	pruneBatch int
}

var _ threadbox.Ledger = (*Store)(nil)
var _ threadbox.SessionStore = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors and making every keyed statement atomic with respect to the others.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:         db,
		logger:     threadbox.NopLogger,
		now:        time.Now,
		retention:  DefaultRetention,
		pruneBatch: DefaultPruneBatch,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init applies pragmas and creates all required tables and indexes.
// Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,

		`CREATE TABLE IF NOT EXISTS conversation_inbox (
			message_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			thread_id TEXT,
			channel_id TEXT,
			prompt_text TEXT,
			session_id TEXT,
			response_text TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			processing_started_at INTEGER,
			completed_at INTEGER,
			last_error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_status_created ON conversation_inbox(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_completed ON conversation_inbox(completed_at)`,

		`CREATE TABLE IF NOT EXISTS conversation_offsets (
			source_id TEXT PRIMARY KEY,
			last_message_id TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS thread_sessions (
			thread_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL DEFAULT '',
			guild_id TEXT NOT NULL DEFAULT '',
			sandbox_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			preview_url TEXT NOT NULL DEFAULT '',
			preview_token TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			resume_fail_count INTEGER NOT NULL DEFAULT 0,
			last_activity_at INTEGER NOT NULL,
			paused_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_activity ON thread_sessions(status, last_activity_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_paused ON thread_sessions(status, paused_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return threadbox.DBError("init", fmt.Errorf("%w (statement=%q)", err, firstLine(stmt)))
		}
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 { return toMillis(s.now()) }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMillis(v.Int64)
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
