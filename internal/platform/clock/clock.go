// Package clock lets time-dependent services be driven by a managed clock in
// tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

// New returns a clock backed by time.Now.
func New() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

// Managed is a hand-driven clock for tests. It is safe for concurrent use.
type Managed struct {
	mu  sync.Mutex
	now time.Time
}

func NewManaged(start time.Time) *Managed {
	return &Managed{now: start}
}

func (m *Managed) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward and returns the new time. There is no way
// to move it backwards.
func (m *Managed) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	return m.now
}
