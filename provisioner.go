package threadbox

import (
	"context"
	"time"
)

// ProvisionRequest identifies the thread a new sandbox is created for.
type ProvisionRequest struct {
	ThreadID  string
	ChannelID string
	GuildID   string
}

// EnsureRequest asks for an active session for a thread. Current is the
// cached or persisted session, nil when the thread has none.
type EnsureRequest struct {
	ThreadID  string
	ChannelID string
	GuildID   string
	Current   *SessionInfo
}

// ResumeOutcome is the result of resuming a paused sandbox. Resumed is false
// when the sandbox no longer exists and the caller must provision a new one.
type ResumeOutcome struct {
	Session SessionInfo
	Resumed bool
}

// SandboxProvisioner owns the remote side of a session's lifecycle.
type SandboxProvisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (SessionInfo, error)
	Resume(ctx context.Context, threadID string, session SessionInfo) (ResumeOutcome, error)
	EnsureActive(ctx context.Context, req EnsureRequest) (SessionInfo, error)
	EnsureHealthy(ctx context.Context, session SessionInfo) (bool, error)
	RecoverSendFailure(ctx context.Context, threadID string, session SessionInfo, cause error) (SessionInfo, error)
	Pause(ctx context.Context, threadID string, session SessionInfo, reason string) (SessionInfo, error)
	Destroy(ctx context.Context, threadID string, session SessionInfo, reason string) (SessionInfo, error)
}

// ExecutionClient talks to the execution server running inside a sandbox.
// Failures carrying a status code are returned as *ErrHTTP.
type ExecutionClient interface {
	WaitForHealthy(ctx context.Context, access PreviewAccess, timeout time.Duration) (bool, error)
	CreateSession(ctx context.Context, access PreviewAccess) (string, error)
	SendPrompt(ctx context.Context, access PreviewAccess, sessionID, text string) (string, error)
}
