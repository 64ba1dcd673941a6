package verification

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler runs deferred work keyed by record id. Scheduling a key again
// replaces the pending task; a task that has already started is unaffected.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[uuid.UUID]*time.Timer)}
}

// Schedule runs fn after delay unless the key is cancelled or rescheduled
// first. It is a no-op after Stop.
func (s *Scheduler) Schedule(id uuid.UUID, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[id]; ok && old.Stop() {
		s.wg.Done()
	}

	s.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		current := s.timers[id] == t
		if current {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		if current {
			fn()
		}
	})
	s.timers[id] = t
}

// Cancel drops the pending task for id and reports whether one was pending.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	t, ok := s.timers[id]
	delete(s.timers, id)
	s.mu.Unlock()
	if ok && t.Stop() {
		s.wg.Done()
		return true
	}
	return false
}

// Pending returns the number of tasks that have not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Wait blocks until every scheduled task has fired and returned or been
// cancelled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop cancels all pending tasks, refuses new ones and waits for running
// tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
