package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevindra/threadbox"
)

// SweepResult counts what one Sweep did.
type SweepResult struct {
	Paused    int
	Destroyed int
	Failed    int
}

// Sweep pauses sessions idle for longer than the idle timeout plus grace
// and destroys sessions paused for longer than the paused TTL. Rows are
// handled concurrently; a failing row is logged and does not stop the others.
// Only a failed listing query is returned as an error.
func (p *Pool) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := p.now()

	if p.idleTimeout > 0 {
		idle, err := p.store.ListIdle(ctx, now.Add(-(p.idleTimeout + p.idleGrace)))
		if err != nil {
			return res, err
		}
		ok, failed := p.each(ctx, idle, "idle sweep", p.PauseSession)
		res.Paused, res.Failed = ok, failed
	}

	if p.pausedTTL > 0 {
		expired, err := p.store.ListPausedBefore(ctx, now.Add(-p.pausedTTL))
		if err != nil {
			return res, err
		}
		ok, failed := p.each(ctx, expired, "paused ttl", p.DestroySession)
		res.Destroyed = ok
		res.Failed += failed
	}

	if res.Paused+res.Destroyed+res.Failed > 0 {
		p.logger.Info("pool: sweep", "paused", res.Paused, "destroyed", res.Destroyed, "failed", res.Failed)
	}
	return res, nil
}

func (p *Pool) each(ctx context.Context, rows []threadbox.SessionInfo, reason string, op func(context.Context, string, string) (threadbox.SessionInfo, error)) (int, int) {
	var ok, failed atomic.Int32
	var wg sync.WaitGroup
	for _, row := range rows {
		wg.Add(1)
		go func(threadID string) {
			defer wg.Done()
			if _, err := op(ctx, threadID, reason); err != nil {
				failed.Add(1)
				p.logger.Warn("pool: sweep row failed", "thread_id", threadID, "reason", reason, "error", err)
				return
			}
			ok.Add(1)
		}(row.ThreadID)
	}
	wg.Wait()
	return int(ok.Load()), int(failed.Load())
}

// SweepJob wraps Sweep as a periodic job for threadbox.Scheduler.
func (p *Pool) SweepJob(interval time.Duration) threadbox.Job {
	return threadbox.Job{
		Name:     "pool.sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := p.Sweep(ctx)
			return err
		},
	}
}
