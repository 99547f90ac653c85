package threadbox

import (
	"context"
	"sync"
	"time"
)

// rateLimitFrontend wraps a Frontend with proactive rate limiting of
// outbound messages. Sends block until the budget allows them to proceed.
type rateLimitFrontend struct {
	inner Frontend
	mu    sync.Mutex

	// Sliding window of send timestamps.
	rpm    int
	window []time.Time
}

// RateLimitOption configures WithRateLimit.
type RateLimitOption func(*rateLimitFrontend)

// RPM sets the maximum messages sent per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitFrontend) { r.rpm = n }
}

// WithRateLimit wraps f so Send never exceeds the configured budget. Typing
// indicators and polling are not counted. Compose with WithRetry:
//
//	fe = threadbox.WithRateLimit(threadbox.WithRetry(bot), threadbox.RPM(20))
func WithRateLimit(f Frontend, opts ...RateLimitOption) Frontend {
	r := &rateLimitFrontend{inner: f}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitFrontend) Poll(ctx context.Context) (<-chan InboundEvent, error) {
	return r.inner.Poll(ctx)
}

func (r *rateLimitFrontend) Send(ctx context.Context, channelID, text string) (string, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return "", err
	}
	return r.inner.Send(ctx, channelID, text)
}

func (r *rateLimitFrontend) SendTyping(ctx context.Context, channelID string) error {
	return r.inner.SendTyping(ctx, channelID)
}

// waitForBudget blocks until the window has room for one more send.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitFrontend) waitForBudget(ctx context.Context) error {
	if r.rpm <= 0 {
		return nil
	}
	for {
		r.mu.Lock()
		now := time.Now()
		r.window = pruneTime(r.window, now.Add(-time.Minute))
		if len(r.window) < r.rpm {
			r.window = append(r.window, now)
			r.mu.Unlock()
			return nil
		}
		// Wait until the oldest send leaves the window.
		wait := r.window[0].Add(time.Minute).Sub(now)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ Frontend = (*rateLimitFrontend)(nil)
