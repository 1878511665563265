package scheduler

import "sync"

// TargetLocker tracks which targets have a check cycle in flight. Ticks and
// on-demand checks share one locker so they never overlap on a target.
type TargetLocker struct {
	mu   sync.Mutex
	busy map[int64]struct{}
}

func NewTargetLocker() *TargetLocker {
	return &TargetLocker{busy: make(map[int64]struct{})}
}

// TryAcquire marks the target busy and reports true, or reports false
// without blocking when a cycle for it is already running.
func (l *TargetLocker) TryAcquire(targetID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.busy[targetID]; ok {
		return false
	}
	l.busy[targetID] = struct{}{}
	return true
}

// Release must be called once for every successful TryAcquire.
func (l *TargetLocker) Release(targetID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, targetID)
}

// Held is true while a cycle for the target is running.
func (l *TargetLocker) Held(targetID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.busy[targetID]
	return ok
}
