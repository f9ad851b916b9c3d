package consistency

import "sync"

// advisoryLocks is the process-local mutual-exclusion marker for per-path
// chunk replacement. It is advisory only: it serializes operations within
// this process and offers no protection against another device replacing the
// same path concurrently. Cross-device safety relies on eventual convergence
// plus conflict detection in the coordination document.
type advisoryLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newAdvisoryLocks() *advisoryLocks {
	return &advisoryLocks{held: make(map[string]struct{})}
}

// tryAcquire attempts to take the flag for a path without blocking.
func (l *advisoryLocks) tryAcquire(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[path]; ok {
		return false
	}
	l.held[path] = struct{}{}
	return true
}

// release drops the flag. Safe to call for a path that is not held.
func (l *advisoryLocks) release(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, path)
}
