package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nevindra/threadbox"
)

const sessionColumns = `thread_id, channel_id, guild_id, sandbox_id, session_id, preview_url, preview_token,
	status, last_error, resume_fail_count, last_activity_at, paused_at, created_at, updated_at`

func (s *Store) Load(ctx context.Context, threadID string) (*threadbox.SessionInfo, error) {
	info, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM thread_sessions WHERE thread_id = $1`, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, threadbox.DBError("load session", err)
	}
	return &info, nil
}

// Save upserts info with the same activity and pause-time rules as the
// SQLite store.
func (s *Store) Save(ctx context.Context, info threadbox.SessionInfo) error {
	if info.ThreadID == "" {
		return threadbox.DBError("save session", errors.New("thread_id is required"))
	}
	if !info.Status.Valid() {
		return threadbox.DBError("save session", fmt.Errorf("invalid status %q", info.Status))
	}
	now := s.cfg.now()
	created := info.CreatedAt
	if created.IsZero() {
		created = now
	}
	activity := info.LastActivityAt
	if activity.IsZero() {
		activity = created
	}
	var pausedAt *int64
	if info.Status == threadbox.StatusPaused {
		p := info.PausedAt
		if p.IsZero() {
			p = now
		}
		ms := p.UnixMilli()
		pausedAt = &ms
	}
	return s.exec(ctx, "save session",
		`INSERT INTO thread_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (thread_id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			guild_id = EXCLUDED.guild_id,
			sandbox_id = EXCLUDED.sandbox_id,
			session_id = EXCLUDED.session_id,
			preview_url = EXCLUDED.preview_url,
			preview_token = EXCLUDED.preview_token,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			resume_fail_count = EXCLUDED.resume_fail_count,
			last_activity_at = GREATEST(thread_sessions.last_activity_at, EXCLUDED.last_activity_at),
			paused_at = CASE WHEN EXCLUDED.status = 'paused'
				THEN COALESCE(thread_sessions.paused_at, EXCLUDED.paused_at)
				ELSE NULL END,
			updated_at = EXCLUDED.updated_at`,
		info.ThreadID, info.ChannelID, info.GuildID, info.SandboxID, info.SessionID,
		info.PreviewAccess.URL, info.PreviewAccess.Token,
		string(info.Status), info.LastError, info.ResumeFailCount,
		activity.UnixMilli(), pausedAt, created.UnixMilli(), now.UnixMilli())
}

func (s *Store) TouchActivity(ctx context.Context, threadID string, at time.Time) error {
	return s.exec(ctx, "touch activity",
		`UPDATE thread_sessions
		 SET last_activity_at = GREATEST(last_activity_at, $1), updated_at = $2
		 WHERE thread_id = $3`,
		at.UnixMilli(), s.nowMillis(), threadID)
}

func (s *Store) ListIdle(ctx context.Context, cutoff time.Time) ([]threadbox.SessionInfo, error) {
	return s.listSessions(ctx, "list idle",
		`SELECT `+sessionColumns+` FROM thread_sessions
		 WHERE status = 'active' AND last_activity_at < $1
		 ORDER BY last_activity_at ASC`, cutoff.UnixMilli())
}

func (s *Store) ListPausedBefore(ctx context.Context, cutoff time.Time) ([]threadbox.SessionInfo, error) {
	return s.listSessions(ctx, "list paused",
		`SELECT `+sessionColumns+` FROM thread_sessions
		 WHERE status = 'paused' AND paused_at IS NOT NULL AND paused_at < $1
		 ORDER BY paused_at ASC`, cutoff.UnixMilli())
}

func (s *Store) CountByStatus(ctx context.Context, status threadbox.SessionStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM thread_sessions WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, threadbox.DBError("count sessions", err)
	}
	return n, nil
}

func (s *Store) listSessions(ctx context.Context, op, query string, args ...any) ([]threadbox.SessionInfo, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, threadbox.DBError(op, err)
	}
	defer rows.Close()

	var out []threadbox.SessionInfo
	for rows.Next() {
		info, err := scanSession(rows)
		if err != nil {
			return nil, threadbox.DBError(op, err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, threadbox.DBError(op, err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (threadbox.SessionInfo, error) {
	var info threadbox.SessionInfo
	var status string
	var activity, created, updated int64
	var paused *int64
	err := row.Scan(&info.ThreadID, &info.ChannelID, &info.GuildID, &info.SandboxID, &info.SessionID,
		&info.PreviewAccess.URL, &info.PreviewAccess.Token,
		&status, &info.LastError, &info.ResumeFailCount,
		&activity, &paused, &created, &updated)
	if err != nil {
		return info, err
	}
	info.Status = threadbox.SessionStatus(status)
	info.LastActivityAt = fromMillis(activity)
	info.PausedAt = fromNullMillis(paused)
	info.CreatedAt = fromMillis(created)
	info.UpdatedAt = fromMillis(updated)
	return info, nil
}
