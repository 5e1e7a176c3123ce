package queue

import (
	"sort"
	"sync"
	"time"
)

// Timer is the controllable half of a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the failover retry timers, the path evaluation
// period, the delayed-completion drain, and the reset watchdog, so tests can
// substitute a deterministic implementation.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run on its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is the production Clock backed by package time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// FakeClock is a manually advanced Clock for tests. Callbacks scheduled via
// AfterFunc fire synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *FakeClock
	at      time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due callbacks in order. A
// callback may schedule further timers; those fire too if they come due
// within the same advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		sort.SliceStable(c.timers, func(i, j int) bool {
			return c.timers[i].at.Before(c.timers[j].at)
		})
		var next *fakeTimer
		for _, t := range c.timers {
			if !t.stopped {
				next = t
				break
			}
		}
		if next == nil || next.at.After(target) {
			break
		}
		next.stopped = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		f := next.f
		c.mu.Unlock()
		f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// PendingTimers returns the number of scheduled, unfired callbacks.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}
