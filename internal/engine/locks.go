package engine

import "sync"

// accountLocks serializes order-submission critical sections per
// (owner, account) key. Independent accounts proceed in parallel; a market
// loop that finds its key busy reschedules with a short backoff instead of
// blocking.
type accountLocks struct {
	mu   sync.Mutex
	busy map[string]bool
}

func newAccountLocks() *accountLocks {
	return &accountLocks{busy: make(map[string]bool)}
}

// TryAcquire takes the key's lock without blocking. Returns false when
// another cycle holds it.
func (l *accountLocks) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[key] {
		return false
	}
	l.busy[key] = true
	return true
}

func (l *accountLocks) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, key)
}
