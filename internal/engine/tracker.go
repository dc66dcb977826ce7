package engine

import (
	"sort"
	"sync"
)

// Tracker is the in-memory set of collection keys changed since the last
// push. It is not persisted.
type Tracker struct {
	mu    sync.Mutex
	dirty map[string]bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{dirty: make(map[string]bool)}
}

// Mark adds key to the set and returns the new size.
func (t *Tracker) Mark(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty[key] = true
	return len(t.dirty)
}

// Drain returns the marked keys, sorted, and clears the set.
func (t *Tracker) Drain() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.dirty))
	for k := range t.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t.dirty = make(map[string]bool)
	return keys
}

// Keys returns the marked keys, sorted, without clearing them.
func (t *Tracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.dirty))
	for k := range t.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Restore puts drained keys back after a failed push.
func (t *Tracker) Restore(keys []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		t.dirty[k] = true
	}
	return len(t.dirty)
}

// Len returns the number of marked keys.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty)
}
