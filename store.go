package threadbox

import (
	"context"
	"time"
)

// SessionStore persists one SessionInfo per thread.
type SessionStore interface {
	// Load returns the thread's session, or nil when the thread was never seen.
	Load(ctx context.Context, threadID string) (*SessionInfo, error)
	// Save upserts the session keyed by its ThreadID.
	Save(ctx context.Context, info SessionInfo) error
	// TouchActivity records activity on a thread.
	TouchActivity(ctx context.Context, threadID string, at time.Time) error
	// ListIdle returns active sessions whose last activity is before cutoff.
	ListIdle(ctx context.Context, cutoff time.Time) ([]SessionInfo, error)
	// ListPausedBefore returns paused sessions paused before cutoff.
	ListPausedBefore(ctx context.Context, cutoff time.Time) ([]SessionInfo, error)
	// CountByStatus counts sessions in status.
	CountByStatus(ctx context.Context, status SessionStatus) (int, error)

	Init(ctx context.Context) error
	Close() error
}

// Ledger is the durable, idempotent inbox of inbound events.
// Every method returns a *DatabaseError on storage failure.
type Ledger interface {
	// Admit inserts the event if its MessageID is new. It reports whether a
	// row was inserted; duplicates return false.
	Admit(ctx context.Context, ev InboundEvent) (bool, error)
	// ReplayPending resets rows left in processing back to pending and
	// returns every pending row, oldest first.
	ReplayPending(ctx context.Context) ([]LedgerEntry, error)
	// Start claims a pending row. It returns nil when the row is not pending.
	Start(ctx context.Context, messageID string) (*LedgerState, error)

	SetTarget(ctx context.Context, messageID, threadID, channelID string) error
	SetPrompt(ctx context.Context, messageID, prompt string) error
	SetResponse(ctx context.Context, messageID, sessionID, response string) error

	// Complete marks the row completed and clears its processing markers.
	Complete(ctx context.Context, messageID string) error
	// Retry returns the row to pending, keeping cached step results.
	Retry(ctx context.Context, messageID string, cause string) error
	// Prune deletes one batch of completed rows older than the retention
	// window and returns how many were removed.
	Prune(ctx context.Context) (int, error)

	GetOffset(ctx context.Context, sourceID string) (string, bool, error)
	SetOffset(ctx context.Context, sourceID, messageID string) error

	Init(ctx context.Context) error
	Close() error
}
