// Package pool keeps one agent per conversation thread, each bound to a
// sandbox session. All operations on a thread are serialized through an
// actor.Map keyed by thread ID; different threads run in parallel.
//
// Residency in the actor map is a cache. The SessionStore is the source of
// truth, and Sweep enforces idle and TTL limits from persisted activity, so
// lifecycle decisions survive restarts.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/threadbox"
	"github.com/nevindra/threadbox/actor"
)

var (
	// ErrNoSession is returned by Send when the thread has no active session.
	ErrNoSession = errors.New("pool: thread has no active session")

	// ErrNoThread is returned by GetOrCreate for an empty thread ID.
	ErrNoThread = errors.New("pool: thread id is required")
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithIdleTimeout sets the inactivity after which a thread's sandbox is
// paused. The in-memory timer fires after this long; Sweep waits for the
// timeout plus the grace period. Zero disables idle pausing.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) { p.idleTimeout = d }
}

// WithIdleGrace adds slack to the idle timeout in Sweep. Default: 1m.
func WithIdleGrace(d time.Duration) Option {
	return func(p *Pool) { p.idleGrace = d }
}

// WithPausedTTL sets how long a paused sandbox is kept before Sweep
// destroys it. Zero keeps paused sandboxes forever.
func WithPausedTTL(d time.Duration) Option {
	return func(p *Pool) { p.pausedTTL = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool resolves and drives per-thread agents.
type Pool struct {
	store  threadbox.SessionStore
	prov   threadbox.SandboxProvisioner
	client threadbox.ExecutionClient
	actors *actor.Map[string, threadbox.SessionInfo]

	logger      *slog.Logger
	now         func() time.Time
	idleTimeout time.Duration
	idleGrace   time.Duration
	pausedTTL   time.Duration
}

// New creates a Pool.
func New(store threadbox.SessionStore, prov threadbox.SandboxProvisioner, client threadbox.ExecutionClient, opts ...Option) *Pool {
	p := &Pool{
		store:     store,
		prov:      prov,
		client:    client,
		logger:    threadbox.NopLogger,
		now:       time.Now,
		idleGrace: time.Minute,
	}
	for _, o := range opts {
		o(p)
	}
	p.actors = actor.New(actor.Config[string, threadbox.SessionInfo]{
		IdleTimeout: p.idleTimeout,
		OnIdle:      p.onIdle,
		Load:        p.load,
		Save:        p.save,
		Logger:      p.logger,
	})
	return p
}

func (p *Pool) load(ctx context.Context, threadID string) (threadbox.SessionInfo, bool, error) {
	info, err := p.store.Load(ctx, threadID)
	if err != nil || info == nil {
		return threadbox.SessionInfo{}, false, err
	}
	return *info, true, nil
}

func (p *Pool) save(ctx context.Context, _ string, info threadbox.SessionInfo) error {
	return p.store.Save(ctx, info)
}

// onIdle pauses a thread whose in-memory idle timer elapsed.
func (p *Pool) onIdle(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := p.PauseSession(ctx, threadID, "idle"); err != nil && !errors.Is(err, ErrNoSession) {
		p.logger.Warn("pool: idle pause failed", "thread_id", threadID, "error", err)
	}
}

// GetOrCreate returns the thread's agent, provisioning or resuming its
// sandbox as needed. Concurrent calls for one thread are serialized, so a
// thread is never provisioned twice.
func (p *Pool) GetOrCreate(ctx context.Context, threadID, channelID, guildID string) (*ThreadAgent, error) {
	if threadID == "" {
		return nil, ErrNoThread
	}
	_, err := actor.Call(ctx, p.actors, threadID, func(ctx context.Context, cell *actor.Cell[threadbox.SessionInfo]) (threadbox.SessionInfo, error) {
		cur, ok := cell.Get()
		req := threadbox.EnsureRequest{ThreadID: threadID, ChannelID: channelID, GuildID: guildID}
		if ok {
			req.Current = &cur
		}
		next, err := p.prov.EnsureActive(ctx, req)
		if err != nil {
			// Keep failure bookkeeping such as ResumeFailCount for the same sandbox.
			if ok && next.SandboxID == cur.SandboxID && next.ThreadID != "" {
				cell.Set(next)
			}
			return threadbox.SessionInfo{}, err
		}
		next.LastActivityAt = p.now()
		cell.Set(next)
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve agent for thread %s: %w", threadID, err)
	}
	return &ThreadAgent{ThreadID: threadID, pool: p}, nil
}

// PauseSession pauses the thread's sandbox, persists the result and drops
// the thread from memory. Work queued behind the pause is cancelled.
func (p *Pool) PauseSession(ctx context.Context, threadID, reason string) (threadbox.SessionInfo, error) {
	return p.transition(ctx, threadID, func(ctx context.Context, cur threadbox.SessionInfo) (threadbox.SessionInfo, error) {
		return p.prov.Pause(ctx, threadID, cur, reason)
	})
}

// DestroySession destroys the thread's sandbox, persists the result and
// drops the thread from memory.
func (p *Pool) DestroySession(ctx context.Context, threadID, reason string) (threadbox.SessionInfo, error) {
	return p.transition(ctx, threadID, func(ctx context.Context, cur threadbox.SessionInfo) (threadbox.SessionInfo, error) {
		return p.prov.Destroy(ctx, threadID, cur, reason)
	})
}

func (p *Pool) transition(ctx context.Context, threadID string, op func(context.Context, threadbox.SessionInfo) (threadbox.SessionInfo, error)) (threadbox.SessionInfo, error) {
	var out threadbox.SessionInfo
	err := p.actors.Run(ctx, threadID, func(ctx context.Context, cell *actor.Cell[threadbox.SessionInfo]) error {
		cur, ok := cell.Get()
		if !ok {
			return ErrNoSession
		}
		next, opErr := op(ctx, cur)
		if next.ThreadID == "" {
			return opErr
		}
		if err := p.store.Save(ctx, next); err != nil {
			return errors.Join(opErr, err)
		}
		cell.Sync(next)
		out = next
		return opErr
	}, actor.NoTouch(), actor.Evict())
	return out, err
}

// HasTrackedThread reports whether the thread has a persisted session that
// is not destroyed.
func (p *Pool) HasTrackedThread(ctx context.Context, threadID string) (bool, error) {
	info, err := p.store.Load(ctx, threadID)
	if err != nil {
		return false, err
	}
	return info != nil && info.Status != threadbox.StatusDestroyed, nil
}

// GetTrackedSession returns the persisted session, or nil.
func (p *Pool) GetTrackedSession(ctx context.Context, threadID string) (*threadbox.SessionInfo, error) {
	return p.store.Load(ctx, threadID)
}

// GetActiveSessionCount counts persisted active sessions.
func (p *Pool) GetActiveSessionCount(ctx context.Context) (int, error) {
	return p.store.CountByStatus(ctx, threadbox.StatusActive)
}

// Resident returns the number of threads held in memory.
func (p *Pool) Resident() int {
	return p.actors.Size()
}

// Close drops every resident thread. Sandboxes are left as they are.
func (p *Pool) Close() {
	p.actors.Stop()
}

// markActivity records activity for the sweep and resets the idle timer.
func (p *Pool) markActivity(ctx context.Context, threadID string) {
	if err := p.store.TouchActivity(ctx, threadID, p.now()); err != nil {
		p.logger.Warn("pool: touch activity failed", "thread_id", threadID, "error", err)
	}
	p.actors.Touch(threadID)
}
