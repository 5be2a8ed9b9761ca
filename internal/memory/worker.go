package memory

import (
	"context"
	"sync"
	"time"

	"jeeprep/internal/logging"
)

// Worker runs consolidations off the turn path. Jobs are deduplicated
// while queued (enqueueing a session already waiting is a no-op) and
// retried once on failure; consolidation itself is idempotent, so
// at-least-once delivery is safe.
type Worker struct {
	curator *MemoryCurator

	mu      sync.Mutex
	pending map[string]bool
	jobs    chan string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker starts the consolidation loop with a bounded queue.
func NewWorker(curator *MemoryCurator, queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = 64
	}
	w := &Worker{
		curator: curator,
		pending: make(map[string]bool),
		jobs:    make(chan string, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue schedules a session for consolidation. Returns false when
// the job was dropped: queue full or already pending. Dropped jobs are
// not an error; the next consolidation trigger for the session will
// try again.
func (w *Worker) Enqueue(sessionID string) bool {
	w.mu.Lock()
	if w.pending[sessionID] {
		w.mu.Unlock()
		return false
	}
	w.pending[sessionID] = true
	w.mu.Unlock()

	select {
	case w.jobs <- sessionID:
		return true
	default:
		w.mu.Lock()
		delete(w.pending, sessionID)
		w.mu.Unlock()
		logging.Memory("consolidation queue full, dropping session %s", sessionID)
		return false
	}
}

// Close stops the worker after draining queued jobs.
func (w *Worker) Close() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case sessionID := <-w.jobs:
			w.process(sessionID)
		case <-w.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case sessionID := <-w.jobs:
					w.process(sessionID)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) process(sessionID string) {
	defer func() {
		w.mu.Lock()
		delete(w.pending, sessionID)
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	err := w.curator.Consolidate(ctx, sessionID)
	if err == nil {
		return
	}
	logging.Memory("consolidation of %s failed, retrying once: %v", sessionID, err)
	if err := w.curator.Consolidate(ctx, sessionID); err != nil {
		logging.Memory("consolidation of %s failed twice, giving up: %v", sessionID, err)
	}
}
