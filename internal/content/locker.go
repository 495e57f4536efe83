package content

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Locker serialises mutations per (scope, document) pair. Entries exist only
// while a caller holds or waits for the pair.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewLocker constructs an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock blocks until the pair is free and returns the release function.
func (l *Locker) Lock(scope, document string) func() {
	key := scope + "\x00" + document
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}
