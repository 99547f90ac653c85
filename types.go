package threadbox

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a thread's sandbox session.
type SessionStatus string

const (
	StatusCreating   SessionStatus = "creating"
	StatusActive     SessionStatus = "active"
	StatusPausing    SessionStatus = "pausing"
	StatusPaused     SessionStatus = "paused"
	StatusResuming   SessionStatus = "resuming"
	StatusDestroying SessionStatus = "destroying"
	StatusDestroyed  SessionStatus = "destroyed"
	StatusError      SessionStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusCreating, StatusActive, StatusPausing, StatusPaused,
		StatusResuming, StatusDestroying, StatusDestroyed, StatusError:
		return true
	}
	return false
}

// PreviewAccess is what a client needs to reach a sandbox's execution server.
type PreviewAccess struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// IsZero reports whether no endpoint is known.
func (a PreviewAccess) IsZero() bool { return a.URL == "" }

// SessionInfo is the persisted identity and status of one thread's sandbox.
// The session store is the source of truth; the pool caches a copy while the
// thread is resident.
type SessionInfo struct {
	ThreadID        string        `json:"thread_id"`
	ChannelID       string        `json:"channel_id"`
	GuildID         string        `json:"guild_id,omitempty"`
	SandboxID       string        `json:"sandbox_id,omitempty"`
	SessionID       string        `json:"session_id,omitempty"`
	PreviewAccess   PreviewAccess `json:"preview_access"`
	Status          SessionStatus `json:"status"`
	LastError       string        `json:"last_error,omitempty"`
	ResumeFailCount int           `json:"resume_fail_count"`

	LastActivityAt time.Time `json:"last_activity_at"`
	PausedAt       time.Time `json:"paused_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// InboundEvent is one message delivered by a chat source.
// MessageID is the idempotency key for the ledger.
type InboundEvent struct {
	MessageID string          `json:"message_id"`
	Kind      string          `json:"kind"`
	ThreadID  string          `json:"thread_id"`
	ChannelID string          `json:"channel_id"`
	GuildID   string          `json:"guild_id,omitempty"`
	AuthorID  string          `json:"author_id,omitempty"`
	Text      string          `json:"text"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// LedgerStatus is the processing status of an inbox row.
type LedgerStatus string

const (
	LedgerPending    LedgerStatus = "pending"
	LedgerProcessing LedgerStatus = "processing"
	LedgerCompleted  LedgerStatus = "completed"
)

// LedgerEntry is an inbox row returned by replay.
type LedgerEntry struct {
	MessageID string
	Kind      string
	Payload   string
	Status    LedgerStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerState is the snapshot handed to the owner of a freshly claimed row.
// Empty strings mean the step has not completed yet.
type LedgerState struct {
	MessageID    string
	Kind         string
	Payload      string
	ThreadID     string
	ChannelID    string
	PromptText   string
	SessionID    string
	ResponseText string
	Attempts     int
}
