package actor

import (
	"context"
	"sync"
	"time"
)

// unit is one queued piece of work and its future-like outcome.
type unit[S any] struct {
	work  Work[S]
	ctx   context.Context
	evict bool
	done  chan struct{}
	err   error
	once  sync.Once
}

// resolve publishes the outcome. The first call wins.
func (u *unit[S]) resolve(err error) {
	u.once.Do(func() {
		u.err = err
		close(u.done)
	})
}

// cancel is the explicit cancel action for a unit that never started.
func (u *unit[S]) cancel() { u.resolve(ErrCancelled) }

// entry is a resident key: its queue, state cell and idle timer.
type entry[K comparable, S any] struct {
	key  K
	cell Cell[S]

	// ctx is cancelled by shutdown to interrupt the unit in flight.
	ctx    context.Context
	cancel context.CancelFunc

	hydrateOnce sync.Once

	// prev is closed once the worker of the key's previous entry has exited.
	// The worker waits on it so a recreated key never overlaps a removed one.
	prev <-chan struct{}
	// quiesced is closed once the entry is removed and its worker has exited.
	quiesced     chan struct{}
	quiescedOnce sync.Once

	mu       sync.Mutex
	queue    []*unit[S]
	running  bool
	current  *unit[S]
	removed  bool
	timer    *time.Timer
	timerSeq uint64
}

func newEntry[K comparable, S any](key K, prev <-chan struct{}) *entry[K, S] {
	ctx, cancel := context.WithCancel(context.Background())
	return &entry[K, S]{key: key, ctx: ctx, cancel: cancel, prev: prev, quiesced: make(chan struct{})}
}

// quiesce closes quiesced. Called with e.mu held.
func (e *entry[K, S]) quiesce() {
	e.quiescedOnce.Do(func() { close(e.quiesced) })
}

// enqueue appends u and starts a worker if none is draining.
func (e *entry[K, S]) enqueue(u *unit[S], drain func(*entry[K, S])) {
	e.mu.Lock()
	e.queue = append(e.queue, u)
	start := !e.running
	e.running = true
	e.mu.Unlock()
	if start {
		go drain(e)
	}
}

// next pops the head of the queue. It returns false, and marks the worker
// as gone, when the queue is empty or the key was removed.
func (e *entry[K, S]) next() (*unit[S], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || len(e.queue) == 0 {
		e.running = false
		if e.removed {
			e.quiesce()
		}
		return nil, false
	}
	u := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	e.current = u
	return u, true
}

func (e *entry[K, S]) finish(u *unit[S]) {
	e.mu.Lock()
	if e.current == u {
		e.current = nil
	}
	e.mu.Unlock()
}

// pending counts queued units, excluding the one in flight.
func (e *entry[K, S]) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// arm (re)starts the idle timer. Each arming gets a sequence number so a
// timer that fires after being reset is ignored.
func (e *entry[K, S]) arm(timeout time.Duration, fire func(*entry[K, S], uint64)) {
	if timeout <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}
	e.timerSeq++
	seq := e.timerSeq
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(timeout, func() { fire(e, seq) })
}

func (e *entry[K, S]) disarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timerSeq++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// expire reports whether the arming seq is still current and should fire.
// busy is true when the arming is current but the key has work.
func (e *entry[K, S]) expire(seq uint64) (fire, busy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || seq != e.timerSeq {
		return false, false
	}
	e.timer = nil
	if e.running {
		return false, true
	}
	return true, false
}

// shutdown marks the entry removed, interrupts the unit in flight unless it
// is keep, and cancels everything still queued.
func (e *entry[K, S]) shutdown(keep *unit[S]) {
	e.mu.Lock()
	e.removed = true
	if !e.running {
		e.quiesce()
	}
	e.timerSeq++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	queued := e.queue
	e.queue = nil
	cur := e.current
	e.mu.Unlock()

	e.cancel()
	if cur != nil && cur != keep {
		cur.resolve(ErrCancelled)
	}
	for _, u := range queued {
		u.cancel()
	}
}
