// Package keylock provides per-key mutual exclusion with a bounded
// acquisition wait. The ingestion coordinator uses it to serialize writes
// that touch the same vehicle or listing identity while unrelated records
// proceed fully in parallel.
package keylock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrWaitExpired is returned when a lock could not be acquired within the
// configured wait. Callers are expected to skip the contended work rather
// than block indefinitely.
var ErrWaitExpired = errors.New("keylock: wait expired")

// Map is a concurrency-safe map of string keys to mutual-exclusion guards.
// Guards exist only while held or awaited; idle keys occupy no memory.
type Map struct {
	mu   sync.Mutex
	keys map[string]*entry
}

type entry struct {
	ch   chan struct{} // capacity 1; a buffered token models the lock
	refs int
}

// New creates an empty Map.
func New() *Map {
	return &Map{keys: make(map[string]*entry)}
}

func (m *Map) get(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	return e
}

func (m *Map) put(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}

// Acquire locks key, waiting at most wait (wait <= 0 means block until the
// context is done). It returns a release func on success, ErrWaitExpired on
// timeout, or the context error if ctx is done first.
func (m *Map) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	e := m.get(key)

	var expired <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-e.ch
				m.put(key, e)
			})
		}
		return release, nil
	case <-expired:
		m.put(key, e)
		return nil, ErrWaitExpired
	case <-ctx.Done():
		m.put(key, e)
		return nil, ctx.Err()
	}
}

// AcquireAll locks every key in a canonical order so that two callers
// contending for overlapping key sets cannot deadlock. On any failure the
// locks already taken are released before the error is returned.
func (m *Map) AcquireAll(ctx context.Context, keys []string, wait time.Duration) (func(), error) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		// Unlock in reverse acquisition order.
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for i, key := range sorted {
		// Skip duplicate keys; locking the same key twice would self-deadlock.
		if i > 0 && key == sorted[i-1] {
			continue
		}
		release, err := m.Acquire(ctx, key, wait)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
