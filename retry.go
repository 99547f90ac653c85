package threadbox

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Throttled is implemented by errors that may mean the platform is rate
// limiting the caller. RetryAfter reports whether that is the case and the
// wait the server asked for, zero when it gave none.
type Throttled interface {
	error
	RetryAfter() (time.Duration, bool)
}

// throttleOf reports whether err is a throttle and the requested wait.
func throttleOf(err error) (time.Duration, bool) {
	var th Throttled
	if !errors.As(err, &th) {
		return 0, false
	}
	return th.RetryAfter()
}

// retryFrontend wraps a Frontend and retries throttled sends with
// exponential backoff.
type retryFrontend struct {
	inner       Frontend
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retryFrontend)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryFrontend) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt (default: 1s).
// Each subsequent delay doubles: baseDelay, 2×baseDelay, 4×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryFrontend) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryFrontend) { r.logger = l }
}

// WithRetry wraps f so Send and SendTyping are retried when the platform
// throttles them. The delay is the larger of the backoff and the server's
// requested wait. Other errors pass through unchanged, and Poll is not
// wrapped.
//
//	fe = threadbox.WithRetry(telegram.New(token, ledger), threadbox.RetryMaxAttempts(5))
func WithRetry(f Frontend, opts ...RetryOption) Frontend {
	r := &retryFrontend{inner: f, maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = NopLogger
	}
	return r
}

func (r *retryFrontend) Poll(ctx context.Context) (<-chan InboundEvent, error) {
	return r.inner.Poll(ctx)
}

func (r *retryFrontend) Send(ctx context.Context, channelID, text string) (string, error) {
	return retryCall(ctx, r, "send", func() (string, error) {
		return r.inner.Send(ctx, channelID, text)
	})
}

func (r *retryFrontend) SendTyping(ctx context.Context, channelID string) error {
	_, err := retryCall(ctx, r, "typing", func() (struct{}, error) {
		return struct{}{}, r.inner.SendTyping(ctx, channelID)
	})
	return err
}

// retryCall calls fn up to maxAttempts times, sleeping between throttled failures.
func retryCall[T any](ctx context.Context, r *retryFrontend, op string, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		wait, throttled := throttleOf(err)
		if !throttled {
			return result, err
		}
		last = err
		r.logger.Warn("frontend throttled", "op", op, "attempt", i+1, "max_attempts", r.maxAttempts)
		if i == r.maxAttempts-1 {
			break
		}
		delay := Backoff(r.baseDelay, i)
		if wait > delay {
			delay = wait
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	r.logger.Error("all retry attempts exhausted", "op", op, "attempts", r.maxAttempts, "error", last)
	return zero, last
}

// Backoff returns the delay before retry i (0-indexed):
// base * 2^i plus up to 50% random jitter.
func Backoff(base time.Duration, i int) time.Duration {
	if base <= 0 {
		return 0
	}
	exp := base << i
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

var _ Frontend = (*retryFrontend)(nil)
