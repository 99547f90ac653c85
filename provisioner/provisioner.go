// Package provisioner implements threadbox.SandboxProvisioner on top of a
// Backend that creates and controls sandboxes, and an ExecutionClient that
// talks to the execution server inside them.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/threadbox"
)

// ErrSandboxGone is returned by a Backend when the sandbox no longer exists.
var ErrSandboxGone = errors.New("provisioner: sandbox gone")

// Sandbox is a running sandbox as reported by a Backend.
type Sandbox struct {
	ID     string
	Access threadbox.PreviewAccess
}

// CreateRequest describes a sandbox to create. Token is the bearer token the
// execution server must accept.
type CreateRequest struct {
	ThreadID  string
	ChannelID string
	GuildID   string
	Token     string
}

// Backend controls sandboxes on some hosting substrate.
type Backend interface {
	Create(ctx context.Context, req CreateRequest) (Sandbox, error)
	// Resume starts a paused sandbox and returns its current endpoint.
	Resume(ctx context.Context, sandboxID string) (Sandbox, error)
	Pause(ctx context.Context, sandboxID string) error
	// Destroy removes the sandbox. A sandbox that is already gone is not an error.
	Destroy(ctx context.Context, sandboxID string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a structured logger for the manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithProvisionTimeout bounds Provision and Resume end to end. Default: 2m.
func WithProvisionTimeout(d time.Duration) Option {
	return func(m *Manager) { m.provisionTimeout = d }
}

// WithHealthTimeout bounds the wait for a new or resumed execution server to
// answer its health check. Default: 60s.
func WithHealthTimeout(d time.Duration) Option {
	return func(m *Manager) { m.healthTimeout = d }
}

// WithProbeTimeout bounds the health probe of an already active session.
// Default: 5s.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.probeTimeout = d }
}

// WithMaxResumeFailures sets how many failed resumes EnsureActive tolerates
// before it replaces the sandbox. Default: 3.
func WithMaxResumeFailures(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxResumeFailures = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager drives session lifecycles. It never persists; callers save the
// SessionInfo it returns.
type Manager struct {
	backend Backend
	client  threadbox.ExecutionClient

	logger            *slog.Logger
	now               func() time.Time
	provisionTimeout  time.Duration
	healthTimeout     time.Duration
	probeTimeout      time.Duration
	maxResumeFailures int
}

var _ threadbox.SandboxProvisioner = (*Manager)(nil)

// New creates a Manager.
func New(backend Backend, client threadbox.ExecutionClient, opts ...Option) *Manager {
	m := &Manager{
		backend:           backend,
		client:            client,
		logger:            threadbox.NopLogger,
		now:               time.Now,
		provisionTimeout:  2 * time.Minute,
		healthTimeout:     60 * time.Second,
		probeTimeout:      5 * time.Second,
		maxResumeFailures: 3,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Provision creates a sandbox, waits for it to become healthy and opens an
// agent session on it. A sandbox that never becomes usable is destroyed.
func (m *Manager) Provision(ctx context.Context, req threadbox.ProvisionRequest) (threadbox.SessionInfo, error) {
	if m.provisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.provisionTimeout)
		defer cancel()
	}
	now := m.now()
	info := threadbox.SessionInfo{
		ThreadID:       req.ThreadID,
		ChannelID:      req.ChannelID,
		GuildID:        req.GuildID,
		Status:         threadbox.StatusCreating,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	sb, err := m.backend.Create(ctx, CreateRequest{
		ThreadID:  req.ThreadID,
		ChannelID: req.ChannelID,
		GuildID:   req.GuildID,
		Token:     threadbox.NewToken(),
	})
	if err != nil {
		return info, fmt.Errorf("create sandbox: %w", err)
	}
	info.SandboxID = sb.ID
	info.PreviewAccess = sb.Access
	m.logger.Info("provisioner: sandbox created", "thread_id", req.ThreadID, "sandbox_id", sb.ID)

	sessionID, err := m.openSession(ctx, info.PreviewAccess, "")
	if err != nil {
		m.discard(info, "provision failed")
		return info, fmt.Errorf("provision sandbox %s: %w", sb.ID, err)
	}
	info.SessionID = sessionID
	info.Status = threadbox.StatusActive
	return info, nil
}

// Resume starts a paused sandbox. Resumed is false when the sandbox no longer
// exists. A failed resume bumps ResumeFailCount on the returned session.
func (m *Manager) Resume(ctx context.Context, threadID string, session threadbox.SessionInfo) (threadbox.ResumeOutcome, error) {
	if session.SandboxID == "" {
		return threadbox.ResumeOutcome{Session: session}, nil
	}
	if m.provisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.provisionTimeout)
		defer cancel()
	}

	session.Status = threadbox.StatusResuming
	sb, err := m.backend.Resume(ctx, session.SandboxID)
	if errors.Is(err, ErrSandboxGone) {
		m.logger.Info("provisioner: sandbox gone on resume", "thread_id", threadID, "sandbox_id", session.SandboxID)
		session.Status = threadbox.StatusDestroyed
		return threadbox.ResumeOutcome{Session: session}, nil
	}
	if err != nil {
		return m.resumeFailed(session, fmt.Errorf("resume sandbox %s: %w", session.SandboxID, err))
	}
	if sb.Access.URL != "" {
		if sb.Access.Token == "" {
			sb.Access.Token = session.PreviewAccess.Token
		}
		session.PreviewAccess = sb.Access
	}

	sessionID, err := m.openSession(ctx, session.PreviewAccess, session.SessionID)
	if err != nil {
		return m.resumeFailed(session, fmt.Errorf("resume sandbox %s: %w", session.SandboxID, err))
	}
	session.SessionID = sessionID
	session.Status = threadbox.StatusActive
	session.ResumeFailCount = 0
	session.LastError = ""
	session.PausedAt = time.Time{}
	session.LastActivityAt = m.now()
	m.logger.Info("provisioner: sandbox resumed", "thread_id", threadID, "sandbox_id", session.SandboxID)
	return threadbox.ResumeOutcome{Session: session, Resumed: true}, nil
}

func (m *Manager) resumeFailed(session threadbox.SessionInfo, err error) (threadbox.ResumeOutcome, error) {
	session.Status = threadbox.StatusPaused
	session.ResumeFailCount++
	session.LastError = err.Error()
	return threadbox.ResumeOutcome{Session: session}, err
}

// EnsureActive returns an active, healthy session for the thread. It
// provisions when there is none, resumes when the current one is not
// serving, and replaces the sandbox when it is gone or keeps failing to resume.
func (m *Manager) EnsureActive(ctx context.Context, req threadbox.EnsureRequest) (threadbox.SessionInfo, error) {
	preq := threadbox.ProvisionRequest{ThreadID: req.ThreadID, ChannelID: req.ChannelID, GuildID: req.GuildID}
	cur := req.Current
	if cur == nil || cur.SandboxID == "" || cur.Status == threadbox.StatusDestroyed {
		return m.Provision(ctx, preq)
	}
	session := *cur
	if req.ChannelID != "" {
		session.ChannelID = req.ChannelID
	}
	if req.GuildID != "" {
		session.GuildID = req.GuildID
	}

	if session.Status == threadbox.StatusActive && session.SessionID != "" {
		healthy, err := m.EnsureHealthy(ctx, session)
		if err != nil {
			return session, err
		}
		if healthy {
			return session, nil
		}
		m.logger.Warn("provisioner: active sandbox unhealthy", "thread_id", req.ThreadID, "sandbox_id", session.SandboxID)
	}

	if session.ResumeFailCount >= m.maxResumeFailures {
		return m.replace(ctx, session, preq, "resume failures exhausted")
	}
	out, err := m.Resume(ctx, req.ThreadID, session)
	if err != nil {
		if out.Session.ResumeFailCount >= m.maxResumeFailures {
			return m.replace(ctx, out.Session, preq, "resume failures exhausted")
		}
		return out.Session, err
	}
	if !out.Resumed {
		return m.replace(ctx, out.Session, preq, "sandbox gone")
	}
	return out.Session, nil
}

// replace destroys the old sandbox best-effort and provisions a new one.
func (m *Manager) replace(ctx context.Context, old threadbox.SessionInfo, req threadbox.ProvisionRequest, reason string) (threadbox.SessionInfo, error) {
	m.logger.Info("provisioner: replacing sandbox", "thread_id", req.ThreadID, "sandbox_id", old.SandboxID, "reason", reason)
	m.discard(old, reason)
	info, err := m.Provision(ctx, req)
	if err != nil {
		return info, err
	}
	if !old.CreatedAt.IsZero() {
		info.CreatedAt = old.CreatedAt
	}
	return info, nil
}

// EnsureHealthy probes the session's execution server once.
func (m *Manager) EnsureHealthy(ctx context.Context, session threadbox.SessionInfo) (bool, error) {
	if session.PreviewAccess.IsZero() {
		return false, nil
	}
	return m.client.WaitForHealthy(ctx, session.PreviewAccess, m.probeTimeout)
}

// RecoverSendFailure parks a session whose prompt failed as dead. The
// sandbox is paused best-effort and the session is marked paused so the next
// EnsureActive resumes or replaces it. A 404 also drops the agent session,
// since the server no longer knows it.
func (m *Manager) RecoverSendFailure(ctx context.Context, threadID string, session threadbox.SessionInfo, cause error) (threadbox.SessionInfo, error) {
	if cause != nil {
		session.LastError = cause.Error()
	}
	if threadbox.StatusOf(cause) == 404 {
		session.SessionID = ""
	}
	if session.SandboxID != "" {
		if err := m.backend.Pause(ctx, session.SandboxID); err != nil && !errors.Is(err, ErrSandboxGone) {
			m.logger.Warn("provisioner: pause after send failure", "thread_id", threadID, "sandbox_id", session.SandboxID, "error", err)
		}
	}
	session.Status = threadbox.StatusPaused
	session.PausedAt = m.now()
	return session, nil
}

// Pause stops the sandbox. A sandbox that is already gone resolves to destroyed.
func (m *Manager) Pause(ctx context.Context, threadID string, session threadbox.SessionInfo, reason string) (threadbox.SessionInfo, error) {
	switch session.Status {
	case threadbox.StatusDestroyed, threadbox.StatusPaused:
		return session, nil
	}
	if session.SandboxID == "" {
		session.Status = threadbox.StatusDestroyed
		return session, nil
	}
	session.Status = threadbox.StatusPausing
	err := m.backend.Pause(ctx, session.SandboxID)
	if errors.Is(err, ErrSandboxGone) {
		session.Status = threadbox.StatusDestroyed
		m.logger.Info("provisioner: sandbox gone on pause", "thread_id", threadID, "sandbox_id", session.SandboxID)
		return session, nil
	}
	if err != nil {
		session.Status = threadbox.StatusError
		session.LastError = err.Error()
		return session, fmt.Errorf("pause sandbox %s: %w", session.SandboxID, err)
	}
	session.Status = threadbox.StatusPaused
	session.PausedAt = m.now()
	m.logger.Info("provisioner: sandbox paused", "thread_id", threadID, "sandbox_id", session.SandboxID, "reason", reason)
	return session, nil
}

// Destroy removes the sandbox for good.
func (m *Manager) Destroy(ctx context.Context, threadID string, session threadbox.SessionInfo, reason string) (threadbox.SessionInfo, error) {
	if session.Status == threadbox.StatusDestroyed {
		return session, nil
	}
	session.Status = threadbox.StatusDestroying
	if session.SandboxID != "" {
		if err := m.backend.Destroy(ctx, session.SandboxID); err != nil && !errors.Is(err, ErrSandboxGone) {
			session.Status = threadbox.StatusError
			session.LastError = err.Error()
			return session, fmt.Errorf("destroy sandbox %s: %w", session.SandboxID, err)
		}
	}
	session.Status = threadbox.StatusDestroyed
	session.PausedAt = time.Time{}
	m.logger.Info("provisioner: sandbox destroyed", "thread_id", threadID, "sandbox_id", session.SandboxID, "reason", reason)
	return session, nil
}

// openSession waits for the execution server and returns an agent session,
// reusing sessionID when it is set.
func (m *Manager) openSession(ctx context.Context, access threadbox.PreviewAccess, sessionID string) (string, error) {
	healthy, err := m.client.WaitForHealthy(ctx, access, m.healthTimeout)
	if err != nil {
		return "", err
	}
	if !healthy {
		return "", fmt.Errorf("execution server not healthy after %s", m.healthTimeout)
	}
	if sessionID != "" {
		return sessionID, nil
	}
	return m.client.CreateSession(ctx, access)
}

// discard destroys a sandbox best-effort on a context detached from the caller.
func (m *Manager) discard(info threadbox.SessionInfo, reason string) {
	if info.SandboxID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.backend.Destroy(ctx, info.SandboxID); err != nil && !errors.Is(err, ErrSandboxGone) {
		m.logger.Warn("provisioner: discard sandbox", "thread_id", info.ThreadID, "sandbox_id", info.SandboxID, "reason", reason, "error", err)
	}
}
