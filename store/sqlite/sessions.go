package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nevindra/threadbox"
)

const sessionColumns = `thread_id, channel_id, guild_id, sandbox_id, session_id, preview_url, preview_token,
	status, last_error, resume_fail_count, last_activity_at, paused_at, created_at, updated_at`

// Load returns the thread's session, or nil when none was saved.
func (s *Store) Load(ctx context.Context, threadID string) (*threadbox.SessionInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM thread_sessions WHERE thread_id = ?`, threadID)
	info, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, threadbox.DBError("load session", err)
	}
	return &info, nil
}

// Save upserts info. Last activity never moves backwards, and paused_at is
// kept from the first save in the paused state until the session leaves it.
func (s *Store) Save(ctx context.Context, info threadbox.SessionInfo) error {
	if info.ThreadID == "" {
		return threadbox.DBError("save session", errors.New("thread_id is required"))
	}
	if !info.Status.Valid() {
		return threadbox.DBError("save session", fmt.Errorf("invalid status %q", info.Status))
	}
	now := s.now()
	created := info.CreatedAt
	if created.IsZero() {
		created = now
	}
	activity := info.LastActivityAt
	if activity.IsZero() {
		activity = created
	}
	var pausedAt any
	if info.Status == threadbox.StatusPaused {
		p := info.PausedAt
		if p.IsZero() {
			p = now
		}
		pausedAt = toMillis(p)
	}

	return s.exec(ctx, "save session",
		`INSERT INTO thread_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			guild_id = excluded.guild_id,
			sandbox_id = excluded.sandbox_id,
			session_id = excluded.session_id,
			preview_url = excluded.preview_url,
			preview_token = excluded.preview_token,
			status = excluded.status,
			last_error = excluded.last_error,
			resume_fail_count = excluded.resume_fail_count,
			last_activity_at = MAX(thread_sessions.last_activity_at, excluded.last_activity_at),
			paused_at = CASE WHEN excluded.status = 'paused'
				THEN COALESCE(thread_sessions.paused_at, excluded.paused_at)
				ELSE NULL END,
			updated_at = excluded.updated_at`,
		info.ThreadID, info.ChannelID, info.GuildID, info.SandboxID, info.SessionID,
		info.PreviewAccess.URL, info.PreviewAccess.Token,
		string(info.Status), info.LastError, info.ResumeFailCount,
		toMillis(activity), pausedAt, toMillis(created), toMillis(now))
}

// TouchActivity advances a thread's last activity. Unknown threads are ignored.
func (s *Store) TouchActivity(ctx context.Context, threadID string, at time.Time) error {
	return s.exec(ctx, "touch activity",
		`UPDATE thread_sessions
		 SET last_activity_at = MAX(last_activity_at, ?), updated_at = ?
		 WHERE thread_id = ?`,
		toMillis(at), s.nowMillis(), threadID)
}

// ListIdle returns active sessions with no activity since cutoff.
func (s *Store) ListIdle(ctx context.Context, cutoff time.Time) ([]threadbox.SessionInfo, error) {
	return s.listSessions(ctx, "list idle",
		`SELECT `+sessionColumns+` FROM thread_sessions
		 WHERE status = 'active' AND last_activity_at < ?
		 ORDER BY last_activity_at ASC`, toMillis(cutoff))
}

// ListPausedBefore returns sessions paused before cutoff.
func (s *Store) ListPausedBefore(ctx context.Context, cutoff time.Time) ([]threadbox.SessionInfo, error) {
	return s.listSessions(ctx, "list paused",
		`SELECT `+sessionColumns+` FROM thread_sessions
		 WHERE status = 'paused' AND paused_at IS NOT NULL AND paused_at < ?
		 ORDER BY paused_at ASC`, toMillis(cutoff))
}

// CountByStatus counts sessions in status.
func (s *Store) CountByStatus(ctx context.Context, status threadbox.SessionStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM thread_sessions WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, threadbox.DBError("count sessions", err)
	}
	return n, nil
}

func (s *Store) listSessions(ctx context.Context, op, query string, args ...any) ([]threadbox.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (threadbox.SessionInfo, error) {
	var info threadbox.SessionInfo
	var status string
	var activity, created, updated int64
	var paused sql.NullInt64
	err := sc.Scan(&info.ThreadID, &info.ChannelID, &info.GuildID, &info.SandboxID, &info.SessionID,
		&info.PreviewAccess.URL, &info.PreviewAccess.Token,
		&status, &info.LastError, &info.ResumeFailCount,
		&activity, &paused, &created, &updated)
	if err != nil {
		return info, err
	}
	info.Status = threadbox.SessionStatus(status)
	info.LastActivityAt = fromMillis(activity)
	info.PausedAt = nullMillis(paused)
	info.CreatedAt = fromMillis(created)
	info.UpdatedAt = fromMillis(updated)
	return info, nil
}
