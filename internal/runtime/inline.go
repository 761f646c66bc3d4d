package runtime

import (
	"sync/atomic"
	"time"
)

// Inline runs every job synchronously on the scheduling goroutine.
// Meant for tests, where deterministic ordering matters more than latency.
type Inline struct {
	tracker
	clock  Clock
	closed atomic.Bool
}

func NewInline(opts ...Option) *Inline {
	o := buildOptions(opts)
	return &Inline{clock: o.clock}
}

func (r *Inline) Schedule(job func()) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.wrap(job)()
	return nil
}

func (r *Inline) ScheduleBlocking(job func()) error {
	return r.Schedule(job)
}

func (r *Inline) Now() time.Time {
	return r.clock.Now()
}

func (r *Inline) AfterFunc(d time.Duration, f func()) func() bool {
	return afterFunc(r.clock, d, f)
}

func (r *Inline) Close() error {
	r.closed.Store(true)
	return nil
}
