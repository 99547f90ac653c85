package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nevindra/threadbox"
)

// Admit inserts ev as a pending inbox row unless its message ID is known.
func (s *Store) Admit(ctx context.Context, ev threadbox.InboundEvent) (bool, error) {
	if ev.MessageID == "" {
		return false, threadbox.DBError("admit", errors.New("message_id is required"))
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, threadbox.DBError("admit", fmt.Errorf("encode payload: %w", err))
	}
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_inbox (message_id, kind, payload, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', 0, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		ev.MessageID, ev.Kind, string(payload), now, now)
	if err != nil {
		return false, threadbox.DBError("admit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, threadbox.DBError("admit", err)
	}
	s.logger.Debug("sqlite: admit", "message_id", ev.MessageID, "inserted", n == 1)
	return n == 1, nil
}

// ReplayPending resets rows stuck in processing and returns all pending rows
// oldest first. Call it once at startup, before any worker claims rows.
func (s *Store) ReplayPending(ctx context.Context) ([]threadbox.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, threadbox.DBError("replay", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE conversation_inbox
		 SET status = 'pending', processing_started_at = NULL, updated_at = ?
		 WHERE status = 'processing'`, s.nowMillis())
	if err != nil {
		return nil, threadbox.DBError("replay", err)
	}
	reset, _ := res.RowsAffected()

	rows, err := tx.QueryContext(ctx,
		`SELECT message_id, kind, payload, status, attempts, last_error, created_at, updated_at
		 FROM conversation_inbox
		 WHERE status = 'pending'
		 ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, threadbox.DBError("replay", err)
	}
	defer rows.Close()

	var out []threadbox.LedgerEntry
	for rows.Next() {
		var e threadbox.LedgerEntry
		var status string
		var lastErr sql.NullString
		var created, updated int64
		if err := rows.Scan(&e.MessageID, &e.Kind, &e.Payload, &status, &e.Attempts, &lastErr, &created, &updated); err != nil {
			return nil, threadbox.DBError("replay", err)
		}
		e.Status = threadbox.LedgerStatus(status)
		e.LastError = lastErr.String
		e.CreatedAt = fromMillis(created)
		e.UpdatedAt = fromMillis(updated)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, threadbox.DBError("replay", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, threadbox.DBError("replay", err)
	}
	s.logger.Info("sqlite: replay", "reset", reset, "pending", len(out))
	return out, nil
}

// Start claims a pending row. It returns nil when the row is missing,
// already claimed or completed.
func (s *Store) Start(ctx context.Context, messageID string) (*threadbox.LedgerState, error) {
	now := s.nowMillis()
	row := s.db.QueryRowContext(ctx,
		`UPDATE conversation_inbox
		 SET status = 'processing', attempts = attempts + 1, processing_started_at = ?, updated_at = ?
		 WHERE message_id = ? AND status = 'pending'
		 RETURNING kind, payload, thread_id, channel_id, prompt_text, session_id, response_text, attempts`,
		now, now, messageID)

	st := threadbox.LedgerState{MessageID: messageID}
	var threadID, channelID, prompt, sessionID, response sql.NullString
	err := row.Scan(&st.Kind, &st.Payload, &threadID, &channelID, &prompt, &sessionID, &response, &st.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sqlite: start skipped", "message_id", messageID)
		return nil, nil
	}
	if err != nil {
		return nil, threadbox.DBError("start", err)
	}
	st.ThreadID = threadID.String
	st.ChannelID = channelID.String
	st.PromptText = prompt.String
	st.SessionID = sessionID.String
	st.ResponseText = response.String
	s.logger.Debug("sqlite: start", "message_id", messageID, "attempts", st.Attempts)
	return &st, nil
}

// SetTarget caches the resolved thread and channel for a row.
func (s *Store) SetTarget(ctx context.Context, messageID, threadID, channelID string) error {
	return s.exec(ctx, "set target",
		`UPDATE conversation_inbox SET thread_id = ?, channel_id = ?, updated_at = ? WHERE message_id = ?`,
		threadID, channelID, s.nowMillis(), messageID)
}

// SetPrompt caches the prompt text built for a row.
func (s *Store) SetPrompt(ctx context.Context, messageID, prompt string) error {
	return s.exec(ctx, "set prompt",
		`UPDATE conversation_inbox SET prompt_text = ?, updated_at = ? WHERE message_id = ?`,
		prompt, s.nowMillis(), messageID)
}

// SetResponse caches the agent's reply and the session that produced it.
func (s *Store) SetResponse(ctx context.Context, messageID, sessionID, response string) error {
	return s.exec(ctx, "set response",
		`UPDATE conversation_inbox SET session_id = ?, response_text = ?, updated_at = ? WHERE message_id = ?`,
		nullString(sessionID), response, s.nowMillis(), messageID)
}

// Complete marks a row completed and clears its processing markers.
func (s *Store) Complete(ctx context.Context, messageID string) error {
	now := s.nowMillis()
	return s.exec(ctx, "complete",
		`UPDATE conversation_inbox
		 SET status = 'completed', completed_at = ?, processing_started_at = NULL, last_error = NULL, updated_at = ?
		 WHERE message_id = ?`,
		now, now, messageID)
}

// Retry returns a processing row to pending. Cached step results are kept.
func (s *Store) Retry(ctx context.Context, messageID string, cause string) error {
	return s.exec(ctx, "retry",
		`UPDATE conversation_inbox
		 SET status = 'pending', last_error = ?, processing_started_at = NULL, updated_at = ?
		 WHERE message_id = ? AND status = 'processing'`,
		cause, s.nowMillis(), messageID)
}

// Prune deletes up to one batch of completed rows older than the retention window.
func (s *Store) Prune(ctx context.Context) (int, error) {
	cutoff := toMillis(s.now().Add(-s.retention))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_inbox WHERE message_id IN (
			SELECT message_id FROM conversation_inbox
			WHERE status = 'completed' AND completed_at < ?
			ORDER BY completed_at ASC
			LIMIT ?
		)`, cutoff, s.pruneBatch)
	if err != nil {
		return 0, threadbox.DBError("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, threadbox.DBError("prune", err)
	}
	if n > 0 {
		s.logger.Debug("sqlite: prune", "deleted", n)
	}
	return int(n), nil
}

// GetOffset returns the last message ID recorded for a polling source.
func (s *Store) GetOffset(ctx context.Context, sourceID string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_message_id FROM conversation_offsets WHERE source_id = ?`, sourceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, threadbox.DBError("get offset", err)
	}
	return id, true, nil
}

// SetOffset upserts the cursor for a polling source.
func (s *Store) SetOffset(ctx context.Context, sourceID, messageID string) error {
	return s.exec(ctx, "set offset",
		`INSERT INTO conversation_offsets (source_id, last_message_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET last_message_id = excluded.last_message_id, updated_at = excluded.updated_at`,
		sourceID, messageID, s.nowMillis())
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return threadbox.DBError(op, err)
	}
	s.logger.Debug("sqlite: "+op, "duration", time.Since(start))
	return nil
}
