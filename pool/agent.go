package pool

import (
	"context"
	"fmt"

	"github.com/nevindra/threadbox"
	"github.com/nevindra/threadbox/actor"
)

// ThreadAgent is the handle to one thread's sandbox session.
type ThreadAgent struct {
	ThreadID string
	pool     *Pool
}

// Current returns the thread's session: the cached copy when the thread is
// resident, otherwise the persisted one. Nil means the thread has none.
func (a *ThreadAgent) Current(ctx context.Context) (*threadbox.SessionInfo, error) {
	if info, ok := a.pool.actors.GetState(a.ThreadID); ok {
		return &info, nil
	}
	return a.pool.store.Load(ctx, a.ThreadID)
}

// Send delivers a prompt to the thread's sandbox and returns the reply.
//
// When the failure means the sandbox is gone, the session is parked via the
// provisioner's recovery path and a *threadbox.SandboxDeadError is returned;
// the caller should resolve the agent again before retrying. Other errors
// are returned unchanged.
func (a *ThreadAgent) Send(ctx context.Context, text string) (string, error) {
	reply, _, err := a.Exchange(ctx, text)
	return reply, err
}

// Exchange is Send that also reports the session that produced the reply.
func (a *ThreadAgent) Exchange(ctx context.Context, text string) (reply, sessionID string, err error) {
	type result struct{ reply, session string }
	p := a.pool
	p.markActivity(ctx, a.ThreadID)
	res, err := actor.Call(ctx, p.actors, a.ThreadID, func(ctx context.Context, cell *actor.Cell[threadbox.SessionInfo]) (result, error) {
		info, ok := cell.Get()
		if !ok || info.Status != threadbox.StatusActive || info.SessionID == "" {
			return result{}, fmt.Errorf("thread %s: %w", a.ThreadID, ErrNoSession)
		}
		reply, err := p.client.SendPrompt(ctx, info.PreviewAccess, info.SessionID, text)
		if err == nil {
			return result{reply, info.SessionID}, nil
		}
		if ctx.Err() != nil || !threadbox.IsDeadFailure(err) {
			return result{}, err
		}

		p.logger.Warn("pool: sandbox dead", "thread_id", a.ThreadID, "sandbox_id", info.SandboxID, "error", err)
		recovered, rerr := p.prov.RecoverSendFailure(ctx, a.ThreadID, info, err)
		if rerr != nil {
			p.logger.Warn("pool: recover send failure", "thread_id", a.ThreadID, "error", rerr)
		} else {
			cell.Set(recovered)
		}
		return result{}, &threadbox.SandboxDeadError{ThreadID: a.ThreadID, SandboxID: info.SandboxID, Cause: err}
	})
	return res.reply, res.session, err
}

// Pause pauses the thread's sandbox.
func (a *ThreadAgent) Pause(ctx context.Context, reason string) (threadbox.SessionInfo, error) {
	return a.pool.PauseSession(ctx, a.ThreadID, reason)
}

// Destroy destroys the thread's sandbox.
func (a *ThreadAgent) Destroy(ctx context.Context) (threadbox.SessionInfo, error) {
	return a.pool.DestroySession(ctx, a.ThreadID, "destroy requested")
}
