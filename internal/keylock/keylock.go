// Package keylock provides per-key mutual exclusion. Operations sharing a key
// are serialized while operations on different keys proceed in parallel.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table tracks one mutex per active key. Entries are removed once no caller
// holds or waits on them, so the table stays bounded by in-flight work.
type Table[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// NewTable constructs an empty lock table.
func NewTable[K comparable]() *Table[K] {
	return &Table[K]{entries: make(map[K]*entry)}
}

// Lock acquires the mutex for key, blocking while another caller holds it.
// The returned function releases the lock and must be called exactly once.
func (t *Table[K]) Lock(key K) func() {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}
