package testutil

import (
	"sync"
	"time"

	"github.com/rnp-monitoreo/backend/internal/session"
)

// FakeClock is a manual session.Clock. Timers and tickers fire only when
// Advance moves time past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	clock    *FakeClock
	deadline time.Time
	period   time.Duration
	ch       chan time.Time
	active   bool
}

// NewFakeClock returns a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) NewTimer(d time.Duration) session.Timer {
	return c.add(d, 0)
}

func (c *FakeClock) NewTicker(d time.Duration) session.Ticker {
	return fakeTicker{c.add(d, d)}
}

func (c *FakeClock) add(d, period time.Duration) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{
		clock:    c,
		deadline: c.now.Add(d),
		period:   period,
		ch:       make(chan time.Time, 1),
		active:   true,
	}
	c.waiters = append(c.waiters, w)
	return w
}

// Advance moves time forward and fires every due timer and ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.active {
			continue
		}
		if !w.deadline.After(c.now) {
			select {
			case w.ch <- c.now:
			default:
			}
			if w.period > 0 {
				for !w.deadline.After(c.now) {
					w.deadline = w.deadline.Add(w.period)
				}
			} else {
				w.active = false
				continue
			}
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

// Active returns the number of pending timers and tickers.
func (c *FakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if w.active {
			n++
		}
	}
	return n
}

// BlockUntil waits until exactly n timers and tickers are pending or the
// timeout passes. It reports whether the count was reached.
func (c *FakeClock) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Active() == n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return c.Active() == n
}

func (w *fakeWaiter) C() <-chan time.Time { return w.ch }

func (w *fakeWaiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	was := w.active
	w.active = false
	return was
}

type fakeTicker struct{ w *fakeWaiter }

func (t fakeTicker) C() <-chan time.Time { return t.w.C() }
func (t fakeTicker) Stop()               { t.w.Stop() }
