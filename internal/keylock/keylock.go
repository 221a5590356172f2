// Package keylock serializes work per key. A key's mutex lives only while
// some caller holds or waits on it, so the table does not grow with the
// number of keys ever seen.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table is a set of per-key mutexes. The zero value is ready to use.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Lock blocks until key is free and returns the function that releases it.
// The returned func must be called exactly once.
func (t *Table) Lock(key string) (unlock func()) {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*entry)
	}
	e, ok := t.locks[key]
	if !ok {
		e = &entry{}
		t.locks[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

// Len reports how many keys are currently held or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
