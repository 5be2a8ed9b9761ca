package coordinator

import "sync"

// learnerLocks serializes turns per learner. Different learners
// proceed in parallel; two concurrent turns for the same learner are
// ordered, which is what lets CommitTurn assume a stable read base.
type learnerLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLearnerLocks() *learnerLocks {
	return &learnerLocks{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the learner's lock is held and returns the
// release function. Entries are refcounted so the map does not grow
// with every learner ever seen.
func (l *learnerLocks) acquire(learnerID string) func() {
	l.mu.Lock()
	e, ok := l.locks[learnerID]
	if !ok {
		e = &lockEntry{}
		l.locks[learnerID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, learnerID)
		}
		l.mu.Unlock()
	}
}
