package actor

import "sync"

// Cell holds a key's optional state. Units receive the key's cell and may
// read or replace the value; a replaced value is handed to the save hook
// once the unit returns.
type Cell[S any] struct {
	mu    sync.Mutex
	value S
	ok    bool
	dirty bool
}

// Get returns the current value and whether one is present.
func (c *Cell[S]) Get() (S, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.ok
}

// Set replaces the value and schedules it for saving.
func (c *Cell[S]) Set(v S) {
	c.mu.Lock()
	c.value, c.ok, c.dirty = v, true, true
	c.mu.Unlock()
}

// Sync replaces the value without scheduling a save. Use it when the value
// was just read from, or written to, the backing store.
func (c *Cell[S]) Sync(v S) {
	c.mu.Lock()
	c.value, c.ok, c.dirty = v, true, false
	c.mu.Unlock()
}

// Clear drops the value. Nothing is saved for a cleared cell.
func (c *Cell[S]) Clear() {
	c.mu.Lock()
	var zero S
	c.value, c.ok, c.dirty = zero, false, false
	c.mu.Unlock()
}

// takeDirty returns the value if it was Set since the last call.
func (c *Cell[S]) takeDirty() (S, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty || !c.ok {
		var zero S
		return zero, false
	}
	c.dirty = false
	return c.value, true
}
