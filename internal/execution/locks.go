package execution

import "sync"

// Locks holds the per-crew run locks. A crew is locked while anything is
// writing its task states.
type Locks struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewLocks() *Locks {
	return &Locks{held: make(map[int64]bool)}
}

// TryLock locks every id or none of them.
func (l *Locks) TryLock(ids ...int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		if l.held[id] {
			return false
		}
	}
	for _, id := range ids {
		l.held[id] = true
	}
	return true
}

func (l *Locks) Unlock(ids ...int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.held, id)
	}
}

func (l *Locks) Held(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[id]
}
