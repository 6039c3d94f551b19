package clock

import (
	"slices"
	"sync"
	"time"
)

// Manual is a clock that only moves when Advance or Set is called. Timers
// fire in deadline order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel receiving the clock reading once it has moved d
// past the current reading. Non-positive d fires immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	w := waiter{at: m.now.Add(d), ch: ch}
	i, _ := slices.BinarySearchFunc(m.waiters, w.at, func(e waiter, at time.Time) int {
		if e.at.After(at) {
			return 1
		}
		return -1
	})
	m.waiters = slices.Insert(m.waiters, i, w)
	return ch
}

// Advance moves the clock forward by d. Negative d is ignored.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(m.now.Add(d))
}

// Set moves the clock to t. The clock never runs backwards; an earlier t
// leaves it unchanged.
func (m *Manual) Set(t time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Before(m.now) {
		return m.now
	}
	return m.setLocked(t.UTC())
}

func (m *Manual) setLocked(t time.Time) time.Time {
	m.now = t
	n := 0
	for n < len(m.waiters) && !m.waiters[n].at.After(t) {
		m.waiters[n].ch <- t
		n++
	}
	m.waiters = slices.Delete(m.waiters, 0, n)
	return t
}

// Pending returns the number of timers not yet fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
