// Package timeutil abstracts the clock so sweep timing can be driven by
// tests.
package timeutil

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the engine uses.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration

	// NewTimer returns a timer that delivers on C after d.
	NewTimer(d time.Duration) Timer

	// AfterFunc calls f on its own goroutine after d. The returned timer
	// has a nil channel.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single pending event.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock implements Clock with the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTimer(d time.Duration) Timer {
	t := time.NewTimer(d)
	return &realTimer{t: t, c: t.C}
}

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
	c <-chan time.Time
}

func (r *realTimer) C() <-chan time.Time { return r.c }
func (r *realTimer) Stop() bool          { return r.t.Stop() }

// MockClock only moves when Advance or Set is called. Timers and AfterFunc
// callbacks whose deadline has passed fire during Advance, in deadline
// order.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*MockTimer
}

// NewMockClock returns a clock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the mocked time elapsed since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set moves the clock to t without firing anything.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward and fires everything that came due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due, pending []*MockTimer
	for _, t := range c.timers {
		if t.deadline.After(now) {
			pending = append(pending, t)
		} else {
			due = append(due, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fire(now)
	}
}

// Pending returns the number of timers that have not fired or stopped.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.active() {
			n++
		}
	}
	return n
}

// NewTimer returns a timer that fires once the clock passes now+d.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.add(d, nil)
}

// AfterFunc schedules f for when the clock passes now+d. f runs
// synchronously inside Advance.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.add(d, f)
}

func (c *MockClock) add(d time.Duration, f func()) *MockTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTimer{deadline: c.now.Add(d), fn: f}
	if f == nil {
		t.ch = make(chan time.Time, 1)
	}
	c.timers = append(c.timers, t)
	return t
}

// MockTimer is a timer owned by a MockClock.
type MockTimer struct {
	mu       sync.Mutex
	ch       chan time.Time
	fn       func()
	deadline time.Time
	stopped  bool
	fired    bool
}

// C returns the delivery channel, nil for AfterFunc timers.
func (t *MockTimer) C() <-chan time.Time { return t.ch }

// Stop prevents the timer from firing and reports whether it was pending.
func (t *MockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (t *MockTimer) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

func (t *MockTimer) fire(now time.Time) {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()

	if fn != nil {
		fn()
		return
	}
	select {
	case t.ch <- now:
	default:
	}
}
