package lifecycle

import (
	"sync"

	"github.com/google/uuid"
)

// instanceLocks is a non-blocking per-instance mutex. A second caller for a
// held instance is turned away instead of queued.
type instanceLocks struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{held: make(map[uuid.UUID]struct{})}
}

func (l *instanceLocks) tryLock(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *instanceLocks) unlock(id uuid.UUID) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
