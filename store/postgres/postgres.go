// Package postgres implements threadbox.Ledger and threadbox.SessionStore
// using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/threadbox"
)

// Store implements threadbox.Ledger and threadbox.SessionStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	logger     *slog.Logger
	now        func() time.Time
	retention  time.Duration
	pruneBatch int
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(c *pgConfig) { c.logger = l }
}

// WithRetention sets how long completed inbox rows survive before Prune
// removes them. Default: 5 minutes.
func WithRetention(d time.Duration) Option {
	return func(c *pgConfig) { c.retention = d }
}

// WithPruneBatch sets the maximum rows deleted per Prune call. Default: 500.
func WithPruneBatch(n int) Option {
	return func(c *pgConfig) {
		if n > 0 {
			c.pruneBatch = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *pgConfig) { c.now = now }
}

var _ threadbox.Ledger = (*Store)(nil)
var _ threadbox.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	cfg := pgConfig{
		logger:     threadbox.NopLogger,
		now:        time.Now,
		retention:  5 * time.Minute,
		pruneBatch: 500,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_inbox (
			message_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			thread_id TEXT,
			channel_id TEXT,
			prompt_text TEXT,
			session_id TEXT,
			response_text TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			processing_started_at BIGINT,
			completed_at BIGINT,
			last_error TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversation_inbox_status_idx ON conversation_inbox(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS conversation_inbox_completed_idx ON conversation_inbox(completed_at) WHERE status = 'completed'`,

		`CREATE TABLE IF NOT EXISTS conversation_offsets (
			source_id TEXT PRIMARY KEY,
			last_message_id TEXT NOT NULL,
			updated_at BIGINT NOT NULL
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
			last_activity_at BIGINT NOT NULL,
			paused_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS thread_sessions_activity_idx ON thread_sessions(status, last_activity_at)`,
		`CREATE INDEX IF NOT EXISTS thread_sessions_paused_idx ON thread_sessions(status, paused_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return threadbox.DBError("init", fmt.Errorf("postgres: %w", err))
		}
	}
	s.cfg.logger.Info("postgres: init completed")
	return nil
}

// Close is a no-op. The caller owns the pool.
func (s *Store) Close() error {
	return nil
}

func (s *Store) nowMillis() int64 { return s.cfg.now().UnixMilli() }

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms *int64) time.Time {
	if ms == nil {
		return time.Time{}
	}
	return fromMillis(*ms)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
