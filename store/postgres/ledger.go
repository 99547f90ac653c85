package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

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
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_inbox (message_id, kind, payload, status, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, 'pending', 0, $4, $4)
		 ON CONFLICT (message_id) DO NOTHING`,
		ev.MessageID, ev.Kind, string(payload), now)
	if err != nil {
		return false, threadbox.DBError("admit", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReplayPending resets rows stuck in processing and returns all pending rows
// oldest first. Call it once at startup, before any worker claims rows.
func (s *Store) ReplayPending(ctx context.Context) ([]threadbox.LedgerEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, threadbox.DBError("replay", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE conversation_inbox
		 SET status = 'pending', processing_started_at = NULL, updated_at = $1
		 WHERE status = 'processing'`, s.nowMillis())
	if err != nil {
		return nil, threadbox.DBError("replay", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT message_id, kind, payload::text, status, attempts, last_error, created_at, updated_at
		 FROM conversation_inbox
		 WHERE status = 'pending'
		 ORDER BY created_at ASC, message_id ASC`)
	if err != nil {
		return nil, threadbox.DBError("replay", err)
	}
	var out []threadbox.LedgerEntry
	for rows.Next() {
		var e threadbox.LedgerEntry
		var status string
		var lastErr *string
		var created, updated int64
		if err := rows.Scan(&e.MessageID, &e.Kind, &e.Payload, &status, &e.Attempts, &lastErr, &created, &updated); err != nil {
			rows.Close()
			return nil, threadbox.DBError("replay", err)
		}
		e.Status = threadbox.LedgerStatus(status)
		e.LastError = deref(lastErr)
		e.CreatedAt = fromMillis(created)
		e.UpdatedAt = fromMillis(updated)
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, threadbox.DBError("replay", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, threadbox.DBError("replay", err)
	}
	s.cfg.logger.Info("postgres: replay", "reset", tag.RowsAffected(), "pending", len(out))
	return out, nil
}

// Start claims a pending row. The conditional UPDATE makes concurrent claims
// race on the row lock; exactly one wins.
func (s *Store) Start(ctx context.Context, messageID string) (*threadbox.LedgerState, error) {
	now := s.nowMillis()
	st := threadbox.LedgerState{MessageID: messageID}
	var threadID, channelID, prompt, sessionID, response *string
	err := s.pool.QueryRow(ctx,
		`UPDATE conversation_inbox
		 SET status = 'processing', attempts = attempts + 1, processing_started_at = $1, updated_at = $1
		 WHERE message_id = $2 AND status = 'pending'
		 RETURNING kind, payload::text, thread_id, channel_id, prompt_text, session_id, response_text, attempts`,
		now, messageID).Scan(&st.Kind, &st.Payload, &threadID, &channelID, &prompt, &sessionID, &response, &st.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, threadbox.DBError("start", err)
	}
	st.ThreadID = deref(threadID)
	st.ChannelID = deref(channelID)
	st.PromptText = deref(prompt)
	st.SessionID = deref(sessionID)
	st.ResponseText = deref(response)
	return &st, nil
}

// SetTarget caches the resolved thread and channel for a row.
func (s *Store) SetTarget(ctx context.Context, messageID, threadID, channelID string) error {
	return s.exec(ctx, "set target",
		`UPDATE conversation_inbox SET thread_id = $1, channel_id = $2, updated_at = $3 WHERE message_id = $4`,
		threadID, channelID, s.nowMillis(), messageID)
}

// SetPrompt caches the prompt text built for a row.
func (s *Store) SetPrompt(ctx context.Context, messageID, prompt string) error {
	return s.exec(ctx, "set prompt",
		`UPDATE conversation_inbox SET prompt_text = $1, updated_at = $2 WHERE message_id = $3`,
		prompt, s.nowMillis(), messageID)
}

// SetResponse caches the agent's reply and the session that produced it.
func (s *Store) SetResponse(ctx context.Context, messageID, sessionID, response string) error {
	return s.exec(ctx, "set response",
		`UPDATE conversation_inbox SET session_id = NULLIF($1, ''), response_text = $2, updated_at = $3 WHERE message_id = $4`,
		sessionID, response, s.nowMillis(), messageID)
}

// Complete marks a row completed and clears its processing markers.
func (s *Store) Complete(ctx context.Context, messageID string) error {
	return s.exec(ctx, "complete",
		`UPDATE conversation_inbox
		 SET status = 'completed', completed_at = $1, processing_started_at = NULL, last_error = NULL, updated_at = $1
		 WHERE message_id = $2`,
		s.nowMillis(), messageID)
}

// Retry returns a processing row to pending. Cached step results are kept.
func (s *Store) Retry(ctx context.Context, messageID string, cause string) error {
	return s.exec(ctx, "retry",
		`UPDATE conversation_inbox
		 SET status = 'pending', last_error = $1, processing_started_at = NULL, updated_at = $2
		 WHERE message_id = $3 AND status = 'processing'`,
		cause, s.nowMillis(), messageID)
}

// Prune deletes up to one batch of completed rows older than the retention window.
func (s *Store) Prune(ctx context.Context) (int, error) {
	cutoff := s.cfg.now().Add(-s.cfg.retention).UnixMilli()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_inbox WHERE message_id IN (
			SELECT message_id FROM conversation_inbox
			WHERE status = 'completed' AND completed_at < $1
			ORDER BY completed_at ASC
			LIMIT $2
		)`, cutoff, s.cfg.pruneBatch)
	if err != nil {
		return 0, threadbox.DBError("prune", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetOffset returns the last message ID recorded for a polling source.
func (s *Store) GetOffset(ctx context.Context, sourceID string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT last_message_id FROM conversation_offsets WHERE source_id = $1`, sourceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
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
		`INSERT INTO conversation_offsets (source_id, last_message_id, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (source_id) DO UPDATE SET last_message_id = EXCLUDED.last_message_id, updated_at = EXCLUDED.updated_at`,
		sourceID, messageID, s.nowMillis())
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return threadbox.DBError(op, err)
	}
	s.cfg.logger.Debug("postgres: "+op)
	return nil
}
