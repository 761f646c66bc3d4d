package runtime

import (
	"slices"
	"sync"
	"time"
)

// Clock is the time source used for staleness and cooldown decisions.
type Clock interface {
	Now() time.Time
}

// Timer is implemented by clocks that can call a function once a delay has
// passed on them. stop reports whether it prevented the call.
type Timer interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

func afterFunc(c Clock, d time.Duration, f func()) func() bool {
	if t, ok := c.(Timer); ok {
		return t.AfterFunc(d, f)
	}
	return SystemClock{}.AfterFunc(d, f)
}

type manualTimer struct {
	at time.Time
	f  func()
}

// ManualClock only moves when told to. Used to simulate time in tests.
// Timers fire on the goroutine that moves the clock past them.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	t := &manualTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		i := slices.Index(c.timers, t)
		if i < 0 {
			return false
		}
		c.timers = slices.Delete(c.timers, i, i+1)
		return true
	}
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	c.fire()
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
	c.fire()
}

// fire runs due timers in deadline order, including timers they add that
// are already due.
func (c *ManualClock) fire() {
	for {
		c.mu.Lock()
		var due *manualTimer
		for _, t := range c.timers {
			if !t.at.After(c.now) && (due == nil || t.at.Before(due.at)) {
				due = t
			}
		}
		if due == nil {
			c.mu.Unlock()
			return
		}
		c.timers = slices.DeleteFunc(c.timers, func(t *manualTimer) bool { return t == due })
		c.mu.Unlock()
		due.f()
	}
}
