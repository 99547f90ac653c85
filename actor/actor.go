// Package actor provides a keyed actor map: one FIFO queue per key, drained by
// a single worker, with full parallelism across keys.
//
// Each key may carry a state cell hydrated by a load hook and persisted by a
// save hook, and an idle timer that invokes an eviction callback when the key
// sees no activity.
//
// A unit that has started always runs to completion; [Map.Remove] cancels the
// unit's context and discards every unit still queued for the key. Work
// observes the interruption only at its own suspension points. The caller of
// an interrupted unit sees ErrCancelled at once, but a key recreated after
// Remove does not start until the interrupted unit has returned, and state
// that unit Set is still saved.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nevindra/threadbox"
)

var (
	// ErrCancelled is returned for units discarded or interrupted by Remove or Stop.
	ErrCancelled = errors.New("actor: unit cancelled")

	// ErrStopped is returned by Run after Stop.
	ErrStopped = errors.New("actor: map stopped")
)

// Work is one unit of work for a key. ctx is cancelled when the key is
// removed or the submitting caller gives up.
type Work[S any] func(ctx context.Context, state *Cell[S]) error

// Config configures a Map. All fields are optional.
type Config[K comparable, S any] struct {
	// IdleTimeout arms a per-key timer on every touching Run or Touch.
	// Zero disables idle tracking.
	IdleTimeout time.Duration
	// OnIdle is called once per arming that elapses without being reset.
	OnIdle func(key K)
	// Load hydrates a key's state on first use. A load error leaves the
	// state absent.
	Load func(ctx context.Context, key K) (S, bool, error)
	// Save persists state replaced by a unit. Failures are logged only.
	Save func(ctx context.Context, key K, state S) error
	// Logger receives best-effort failures. Defaults to a discard logger.
	Logger *slog.Logger
}

// Map serializes work per key. The zero value is not usable; call New.
// All methods are safe for concurrent use.
type Map[K comparable, S any] struct {
	cfg    Config[K, S]
	logger *slog.Logger

	// mu guards only structural changes: entries, retiring and stopped.
	mu      sync.Mutex
	entries map[K]*entry[K, S]
	// retiring holds the quiesced signal of removed entries whose worker may
	// still be running.
	retiring map[K]<-chan struct{}
	stopped  bool
}

// New creates a Map.
func New[K comparable, S any](cfg Config[K, S]) *Map[K, S] {
	logger := cfg.Logger
	if logger == nil {
		logger = threadbox.NopLogger
	}
	return &Map[K, S]{
		cfg:     cfg,
		logger:  logger,
		entries:  make(map[K]*entry[K, S]),
		retiring: make(map[K]<-chan struct{}),
	}
}

// RunOption configures a single Run call.
type RunOption func(*runConfig)

type runConfig struct {
	touch bool
	evict bool
}

// NoTouch submits work without resetting the key's idle timer.
func NoTouch() RunOption {
	return func(c *runConfig) { c.touch = false }
}

// Evict removes the key once the unit returns, before any unit queued behind
// it can start. Those units are cancelled. The unit's own outcome is kept.
func Evict() RunOption {
	return func(c *runConfig) { c.evict = true }
}

// Run enqueues work on key's queue and waits for its outcome. Work for the
// same key runs one unit at a time in submission order.
//
// Run returns the unit's error, ErrCancelled if the key was removed before or
// while the unit ran, or ctx.Err() if ctx ends first.
func (m *Map[K, S]) Run(ctx context.Context, key K, work Work[S], opts ...RunOption) error {
	rc := runConfig{touch: true}
	for _, o := range opts {
		o(&rc)
	}

	u := &unit[S]{work: work, ctx: ctx, evict: rc.evict, done: make(chan struct{})}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	e, ok := m.entries[key]
	if !ok {
		e = newEntry[K, S](key, m.retiring[key])
		delete(m.retiring, key)
		m.entries[key] = e
	}
	e.enqueue(u, m.drain)
	if rc.touch {
		e.arm(m.cfg.IdleTimeout, m.fireIdle)
	}
	m.mu.Unlock()

	return await(ctx, u)
}

// await returns u's outcome, or ctx.Err() if ctx ends first. An outcome that
// is already published wins over a cancelled ctx.
func await[S any](ctx context.Context, u *unit[S]) error {
	select {
	case <-u.done:
		return u.err
	case <-ctx.Done():
		select {
		case <-u.done:
			return u.err
		default:
			return ctx.Err()
		}
	}
}

// Call runs fn on key like Run and returns its value.
func Call[K comparable, S, T any](ctx context.Context, m *Map[K, S], key K, fn func(ctx context.Context, state *Cell[S]) (T, error), opts ...RunOption) (T, error) {
	var out T
	err := m.Run(ctx, key, func(ctx context.Context, state *Cell[S]) error {
		v, err := fn(ctx, state)
		out = v
		return err
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Touch resets key's idle timer. No-op for unknown keys or without an idle timeout.
func (m *Map[K, S]) Touch(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.arm(m.cfg.IdleTimeout, m.fireIdle)
	}
}

// CancelIdle stops key's idle timer without enqueuing work.
func (m *Map[K, S]) CancelIdle(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.disarm()
	}
}

// Remove cancels key's idle timer, discards its queued units, interrupts the
// unit in flight and drops the key. It reports whether the key was resident.
// A later Run recreates the key; its work waits until the interrupted unit
// has returned. Remove does not block and may be called from inside a unit.
func (m *Map[K, S]) Remove(key K) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		m.detach(e)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.shutdown(nil)
	return true
}

// detach drops e from the map if it is still the resident entry for its key
// and records its quiesced signal for the next entry. Called with m.mu held.
func (m *Map[K, S]) detach(e *entry[K, S]) bool {
	if cur, ok := m.entries[e.key]; !ok || cur != e {
		return false
	}
	delete(m.entries, e.key)
	m.retiring[e.key] = e.quiesced
	go m.forget(e.key, e.quiesced)
	return true
}

// forget clears a retiring signal once it fires, unless a new entry took it.
func (m *Map[K, S]) forget(key K, quiesced <-chan struct{}) {
	<-quiesced
	m.mu.Lock()
	if m.retiring[key] == quiesced {
		delete(m.retiring, key)
	}
	m.mu.Unlock()
}

// Stop removes every key. Run returns ErrStopped afterwards.
func (m *Map[K, S]) Stop() {
	m.mu.Lock()
	m.stopped = true
	entries := m.entries
	m.entries = make(map[K]*entry[K, S])
	m.mu.Unlock()

	for _, e := range entries {
		e.shutdown(nil)
	}
}

// Size returns the number of resident keys.
func (m *Map[K, S]) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// GetState returns key's cached state without enqueuing work.
func (m *Map[K, S]) GetState(key K) (S, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		var zero S
		return zero, false
	}
	return e.cell.Get()
}

// drain is the key's single worker. It exits when the queue is empty or the
// key has been removed; enqueue starts a new one as needed. A recreated key
// first waits for the previous entry's worker to exit.
func (m *Map[K, S]) drain(e *entry[K, S]) {
	if e.prev != nil {
		<-e.prev
	}
	e.hydrateOnce.Do(func() { m.hydrate(e) })
	for {
		u, ok := e.next()
		if !ok {
			return
		}
		m.execute(e, u)
	}
}

func (m *Map[K, S]) hydrate(e *entry[K, S]) {
	if m.cfg.Load == nil {
		return
	}
	v, ok, err := m.cfg.Load(e.ctx, e.key)
	if err != nil {
		m.logger.Warn("actor: load state failed", "key", fmt.Sprint(e.key), "error", err)
		return
	}
	if ok {
		e.cell.Sync(v)
	}
}

func (m *Map[K, S]) execute(e *entry[K, S], u *unit[S]) {
	defer e.finish(u)

	if err := u.ctx.Err(); err != nil {
		u.resolve(err)
		return
	}
	ctx, cancel := context.WithCancel(u.ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	err := runSafely(ctx, u.work, &e.cell)
	stop()
	cancel()

	// State set by an interrupted unit is still saved.
	interrupted := e.ctx.Err() != nil
	if v, dirty := e.cell.takeDirty(); dirty && m.cfg.Save != nil {
		if serr := m.cfg.Save(context.WithoutCancel(u.ctx), e.key, v); serr != nil {
			m.logger.Warn("actor: save state failed", "key", fmt.Sprint(e.key), "error", serr)
		}
	}
	if interrupted {
		u.resolve(ErrCancelled)
		return
	}
	if u.evict {
		m.mu.Lock()
		detached := m.detach(e)
		m.mu.Unlock()
		if detached {
			e.shutdown(u)
		}
	}
	u.resolve(err)
}

// fireIdle runs when an armed timer elapses. A key with work queued or in
// flight is re-armed instead of evicted.
func (m *Map[K, S]) fireIdle(e *entry[K, S], seq uint64) {
	m.mu.Lock()
	fire, busy := e.expire(seq)
	if busy {
		e.arm(m.cfg.IdleTimeout, m.fireIdle)
	}
	m.mu.Unlock()
	if !fire || m.cfg.OnIdle == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("actor: idle callback panic", "key", fmt.Sprint(e.key), "panic", fmt.Sprintf("%v", p))
		}
	}()
	m.cfg.OnIdle(e.key)
}

func runSafely[S any](ctx context.Context, work Work[S], cell *Cell[S]) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("actor: unit panic: %v", p)
		}
	}()
	return work(ctx, cell)
}
