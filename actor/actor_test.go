package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitPending blocks until key has n units queued behind the one in flight.
func waitPending[K comparable, S any](t *testing.T, m *Map[K, S], key K, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		e, ok := m.entries[key]
		m.mu.Unlock()
		if ok && e.pending() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending units", n)
}

func TestRunSameKeyPreservesSubmissionOrder(t *testing.T) {
	m := New(Config[string, int]{})
	ctx := context.Background()

	gate := make(chan struct{})
	started := make(chan struct{})
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.Run(ctx, "k", func(context.Context, *Cell[int]) error {
			close(started)
			<-gate
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()
	<-started

	const n = 10
	for i := 1; i <= n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Run(ctx, "k", func(context.Context, *Cell[int]) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		waitPending(t, m, "k", i)
	}

	close(gate)
	wg.Wait()

	if len(order) != n+1 {
		t.Fatalf("expected %d completions, got %d", n+1, len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("completion order %v does not match submission order", order)
		}
	}
}

func TestRunSameKeyIsSerialized(t *testing.T) {
	m := New(Config[string, int]{})
	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Run(context.Background(), "k", func(context.Context, *Cell[int]) error {
				n := inFlight.Add(1)
				for {
					old := maxInFlight.Load()
					if n <= old || maxInFlight.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("expected at most 1 unit in flight, saw %d", got)
	}
}

func TestRunDifferentKeysRunConcurrently(t *testing.T) {
	m := New(Config[string, int]{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bRan := make(chan struct{})
	errA := make(chan error, 1)
	go func() {
		errA <- m.Run(ctx, "a", func(ctx context.Context, _ *Cell[int]) error {
			select {
			case <-bRan:
				return nil
			case <-ctx.Done():
				return errors.New("key a never saw key b run")
			}
		})
	}()

	err := m.Run(ctx, "b", func(context.Context, *Cell[int]) error {
		close(bRan)
		return nil
	})
	if err != nil {
		t.Fatalf("run b: %v", err)
	}
	if err := <-errA; err != nil {
		t.Fatal(err)
	}
}

func TestFailedUnitDoesNotPoisonKey(t *testing.T) {
	m := New(Config[string, int]{})
	ctx := context.Background()
	boom := errors.New("boom")

	if err := m.Run(ctx, "k", func(context.Context, *Cell[int]) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	err := m.Run(ctx, "k", func(context.Context, *Cell[int]) error { panic("bad unit") })
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
	got, err := Call(ctx, m, "k", func(context.Context, *Cell[int]) (string, error) { return "ok", nil })
	if err != nil || got != "ok" {
		t.Fatalf("expected ok after failures, got %q, %v", got, err)
	}
}

func TestRemoveInterruptsInFlightAndCancelsQueued(t *testing.T) {
	m := New(Config[string, int]{})
	ctx := context.Background()

	started := make(chan struct{})
	interrupted := make(chan struct{})
	inflight := make(chan error, 1)
	go func() {
		inflight <- m.Run(ctx, "k", func(ctx context.Context, _ *Cell[int]) error {
			close(started)
			<-ctx.Done()
			close(interrupted)
			return nil
		})
	}()
	<-started

	var queuedRan atomic.Bool
	queued := make(chan error, 1)
	go func() {
		queued <- m.Run(ctx, "k", func(context.Context, *Cell[int]) error {
			queuedRan.Store(true)
			return nil
		})
	}()
	waitPending(t, m, "k", 1)

	if !m.Remove("k") {
		t.Fatal("expected key to be resident")
	}
	if err := <-inflight; !errors.Is(err, ErrCancelled) {
		t.Fatalf("in-flight unit: expected ErrCancelled, got %v", err)
	}
	if err := <-queued; !errors.Is(err, ErrCancelled) {
		t.Fatalf("queued unit: expected ErrCancelled, got %v", err)
	}
	select {
	case <-interrupted:
	case <-time.After(time.Second):
		t.Fatal("in-flight unit never observed cancellation")
	}
	time.Sleep(10 * time.Millisecond)
	if queuedRan.Load() {
		t.Fatal("queued unit ran after Remove")
	}
	if m.Size() != 0 {
		t.Fatalf("expected empty map, got %d", m.Size())
	}

	// The key can be recreated.
	if err := m.Run(ctx, "k", func(context.Context, *Cell[int]) error { return nil }); err != nil {
		t.Fatalf("run after remove: %v", err)
	}
}

func TestRemoveInFlightIgnoresLateSuccess(t *testing.T) {
	m := New(Config[string, int]{})
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background(), "k", func(context.Context, *Cell[int]) error {
			close(started)
			<-release // not a cancellation point; the step finishes on its own
			return nil
		})
	}()
	<-started
	m.Remove("k")
	close(release)
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestCallerCancelSkipsQueuedUnit(t *testing.T) {
	m := New(Config[string, int]{})
	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Run(context.Background(), "k", func(context.Context, *Cell[int]) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- m.Run(ctx, "k", func(context.Context, *Cell[int]) error {
			ran.Store(true)
			return nil
		})
	}()
	waitPending(t, m, "k", 1)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(gate)
	if err := m.Run(context.Background(), "k", func(context.Context, *Cell[int]) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if ran.Load() {
		t.Fatal("unit with cancelled caller should not run")
	}
}

func TestIdleFiresOnce(t *testing.T) {
	var fired atomic.Int32
	m := New(Config[string, int]{
		IdleTimeout: 30 * time.Millisecond,
		OnIdle:      func(string) { fired.Add(1) },
	})
	if err := m.Run(context.Background(), "k", func(context.Context, *Cell[int]) error { return nil }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected exactly 1 idle callback, got %d", got)
	}
}

func TestTouchResetsIdleCountdown(t *testing.T) {
	var fired atomic.Int32
	m := New(Config[string, int]{
		IdleTimeout: 80 * time.Millisecond,
		OnIdle:      func(string) { fired.Add(1) },
	})
	_ = m.Run(context.Background(), "k", func(context.Context, *Cell[int]) error { return nil })

	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		m.Touch("k")
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("touch should have suppressed firing, got %d", got)
	}
	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected 1 firing after touches stop, got %d", got)
	}
}

func TestNoTouchAndCancelIdle(t *testing.T) {
	var fired atomic.Int32
	m := New(Config[string, int]{
		IdleTimeout: 30 * time.Millisecond,
		OnIdle:      func(string) { fired.Add(1) },
	})
	_ = m.Run(context.Background(), "k", func(context.Context, *Cell[int]) error { return nil }, NoTouch())
	_ = m.Run(context.Background(), "j", func(context.Context, *Cell[int]) error { return nil })
	m.CancelIdle("j")
	m.Touch("unknown")
	m.CancelIdle("unknown")

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("expected no idle callbacks, got %d", got)
	}
}

func TestLoadHydratesAndSaveOnlyOnChange(t *testing.T) {
	var saves atomic.Int32
	var saved atomic.Int64
	m := New(Config[string, int]{
		Load: func(_ context.Context, key string) (int, bool, error) {
			if key == "known" {
				return 41, true, nil
			}
			if key == "broken" {
				return 0, false, errors.New("store down")
			}
			return 0, false, nil
		},
		Save: func(_ context.Context, _ string, v int) error {
			saves.Add(1)
			saved.Store(int64(v))
			return nil
		},
	})
	ctx := context.Background()

	v, err := Call(ctx, m, "known", func(_ context.Context, c *Cell[int]) (int, error) {
		v, ok := c.Get()
		if !ok {
			return 0, errors.New("expected hydrated state")
		}
		return v, nil
	})
	if err != nil || v != 41 {
		t.Fatalf("expected 41, got %d, %v", v, err)
	}
	if saves.Load() != 0 {
		t.Fatal("reading state must not save")
	}

	_ = m.Run(ctx, "known", func(_ context.Context, c *Cell[int]) error {
		v, _ := c.Get()
		c.Set(v + 1)
		return nil
	})
	if saves.Load() != 1 || saved.Load() != 42 {
		t.Fatalf("expected one save of 42, got %d saves of %d", saves.Load(), saved.Load())
	}
	if got, ok := m.GetState("known"); !ok || got != 42 {
		t.Fatalf("GetState: expected 42, got %d, %v", got, ok)
	}

	_ = m.Run(ctx, "broken", func(_ context.Context, c *Cell[int]) error {
		if _, ok := c.Get(); ok {
			return errors.New("failed load should leave state absent")
		}
		return nil
	})
	if _, ok := m.GetState("missing"); ok {
		t.Fatal("unknown key should report absent state")
	}
}

func TestSaveFailureIsNotSurfaced(t *testing.T) {
	m := New(Config[string, int]{
		Save: func(context.Context, string, int) error { return errors.New("disk full") },
	})
	err := m.Run(context.Background(), "k", func(_ context.Context, c *Cell[int]) error {
		c.Set(1)
		return nil
	})
	if err != nil {
		t.Fatalf("save failure leaked into unit outcome: %v", err)
	}
}

func TestStop(t *testing.T) {
	m := New(Config[string, int]{})
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_ = m.Run(ctx, k, func(context.Context, *Cell[int]) error { return nil })
	}
	if m.Size() != 3 {
		t.Fatalf("expected 3 resident keys, got %d", m.Size())
	}
	m.Stop()
	if m.Size() != 0 {
		t.Fatalf("expected 0 keys after Stop, got %d", m.Size())
	}
	if err := m.Run(ctx, "a", func(context.Context, *Cell[int]) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestRemoveKeepsKeySerialized(t *testing.T) {
	m := New(Config[string, int]{})
	ctx := context.Background()

	var running, peak atomic.Int32
	step := func(d time.Duration) Work[int] {
		return func(context.Context, *Cell[int]) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(d) // ignores ctx
			running.Add(-1)
			return nil
		}
	}

	started := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- m.Run(ctx, "k", func(ctx context.Context, c *Cell[int]) error {
			close(started)
			return step(100*time.Millisecond)(ctx, c)
		})
	}()
	<-started
	m.Remove("k")
	if err := <-first; !errors.Is(err, ErrCancelled) {
		t.Fatalf("first unit: expected ErrCancelled, got %v", err)
	}

	if err := m.Run(ctx, "k", step(10*time.Millisecond)); err != nil {
		t.Fatalf("run after remove: %v", err)
	}
	if got := peak.Load(); got != 1 {
		t.Fatalf("max concurrent units on one key = %d, want 1", got)
	}
}

func TestInterruptedUnitStateIsSaved(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]int{}
	m := New(Config[string, int]{
		Load: func(_ context.Context, key string) (int, bool, error) {
			mu.Lock()
			defer mu.Unlock()
			v, ok := stored[key]
			return v, ok, nil
		},
		Save: func(_ context.Context, key string, v int) error {
			mu.Lock()
			defer mu.Unlock()
			stored[key] = v
			return nil
		},
	})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, "k", func(_ context.Context, c *Cell[int]) error {
			c.Set(7)
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	m.Remove("k")
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	// The recreated key waits for the interrupted unit, then hydrates its save.
	time.AfterFunc(20*time.Millisecond, func() { close(release) })
	got, err := Call(ctx, m, "k", func(_ context.Context, c *Cell[int]) (int, error) {
		v, ok := c.Get()
		if !ok {
			return 0, errors.New("expected hydrated state")
		}
		return v, nil
	})
	if err != nil || got != 7 {
		t.Fatalf("recreated key state = %d, %v; want 7", got, err)
	}
}

func TestEvictCancelsOnlyLaterUnits(t *testing.T) {
	m := New(Config[string, int]{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	evicting := make(chan error, 1)
	go func() {
		evicting <- m.Run(ctx, "k", func(ctx context.Context, _ *Cell[int]) error {
			close(started)
			<-release
			return ctx.Err()
		}, Evict())
	}()
	<-started

	var ran atomic.Bool
	queued := make(chan error, 1)
	go func() {
		queued <- m.Run(ctx, "k", func(context.Context, *Cell[int]) error {
			ran.Store(true)
			return nil
		})
	}()
	waitPending(t, m, "k", 1)
	close(release)

	if err := <-evicting; err != nil {
		t.Fatalf("evicting unit: expected its own outcome, got %v", err)
	}
	if err := <-queued; !errors.Is(err, ErrCancelled) {
		t.Fatalf("queued unit: expected ErrCancelled, got %v", err)
	}
	if ran.Load() {
		t.Fatal("unit queued behind an evicting unit ran")
	}
	if m.Size() != 0 {
		t.Fatalf("expected empty map, got %d", m.Size())
	}
}

func TestAwaitPrefersPublishedOutcome(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	want := errors.New("unit failed")
	for i := 0; i < 100; i++ {
		u := &unit[int]{done: make(chan struct{})}
		u.resolve(want)
		if err := await(ctx, u); err != want {
			t.Fatalf("await = %v, want the unit's outcome", err)
		}
	}

	pending := &unit[int]{done: make(chan struct{})}
	if err := await(ctx, pending); !errors.Is(err, context.Canceled) {
		t.Fatalf("await on pending unit = %v, want context.Canceled", err)
	}
}
