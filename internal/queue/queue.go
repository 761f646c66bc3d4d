// Package queue holds pending task descriptors ordered by priority, with
// load shedding when full and staleness-based dropping at pop time.
package queue

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gigamap/internal/runtime"
	"gigamap/internal/tasks"
)

type DropReason int

const (
	// Evicted: pushed out by a higher-priority push while full.
	Evicted DropReason = iota
	// Rejected: the queue was full and held nothing lower to evict.
	Rejected
	// Stale: older than MaxAge when it reached the head.
	Stale
	// Invalid: the descriptor failed validation.
	Invalid
)

func (r DropReason) String() string {
	switch r {
	case Evicted:
		return "evicted"
	case Rejected:
		return "rejected"
	case Stale:
		return "stale"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// DropFunc is told about every descriptor the queue gives up on. It runs
// outside the queue lock.
type DropFunc func(d tasks.Descriptor, reason DropReason)

type Config struct {
	MaxLen int
	MaxAge time.Duration
}

func (c Config) Validate() error {
	var err error
	if c.MaxLen <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_queue_len must be positive, got %d", c.MaxLen))
	}
	if c.MaxAge <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_age must be positive, got %s", c.MaxAge))
	}
	return err
}

type Stats struct {
	Depth    int
	Pushed   uint64
	Popped   uint64
	Evicted  uint64
	Rejected uint64
	Stale    uint64
}

type Queue struct {
	cfg    Config
	clock  runtime.Clock
	logger *zap.Logger
	onDrop DropFunc

	mu    sync.Mutex
	bands [tasks.NumPriorities]*list.List
	size  int

	pushed   atomic.Uint64
	popped   atomic.Uint64
	evicted  atomic.Uint64
	rejected atomic.Uint64
	stale    atomic.Uint64
}

type Option func(*Queue)

func WithDropHandler(fn DropFunc) Option {
	return func(q *Queue) { q.onDrop = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func New(cfg Config, clock runtime.Clock, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	if clock == nil {
		return nil, errors.New("queue requires a clock")
	}
	q := &Queue{cfg: cfg, clock: clock, logger: zap.NewNop()}
	for i := range q.bands {
		q.bands[i] = list.New()
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Push adds d. When the queue is full, the oldest entry of the lowest
// Low/Normal band below d's priority is evicted to make room; if there is
// none, d is rejected and Push returns false.
func (q *Queue) Push(d tasks.Descriptor) bool {
	if err := d.Validate(); err != nil {
		q.drop(d, Invalid)
		return false
	}

	q.mu.Lock()
	var victim *tasks.Descriptor
	if q.size >= q.cfg.MaxLen {
		victim = q.evictLocked(d.Priority)
		if victim == nil {
			q.mu.Unlock()
			q.rejected.Add(1)
			q.drop(d, Rejected)
			return false
		}
	}
	q.bands[d.Priority].PushBack(d)
	q.size++
	q.mu.Unlock()

	q.pushed.Add(1)
	if victim != nil {
		q.evicted.Add(1)
		q.drop(*victim, Evicted)
	}
	return true
}

func (q *Queue) evictLocked(p tasks.Priority) *tasks.Descriptor {
	for band := tasks.Low; band <= tasks.Normal && band < p; band++ {
		if front := q.bands[band].Front(); front != nil {
			d := q.bands[band].Remove(front).(tasks.Descriptor)
			q.size--
			return &d
		}
	}
	return nil
}

// PopNext removes and returns the highest-priority, oldest descriptor.
func (q *Queue) PopNext() (tasks.Descriptor, bool) {
	return q.PopNextWhere(nil)
}

// PopNextWhere is PopNext that leaves the head in place when allow rejects
// it. allow runs under the queue lock and must not call back into the queue.
// Stale heads are discarded either way.
func (q *Queue) PopNextWhere(allow func(tasks.Descriptor) bool) (tasks.Descriptor, bool) {
	now := q.clock.Now()
	var stale []tasks.Descriptor

	q.mu.Lock()
	var (
		out tasks.Descriptor
		ok  bool
	)
	for {
		band, el := q.headLocked()
		if el == nil {
			break
		}
		d := el.Value.(tasks.Descriptor)
		if now.Sub(d.CreatedAt) > q.cfg.MaxAge {
			q.bands[band].Remove(el)
			q.size--
			stale = append(stale, d)
			continue
		}
		if allow != nil && !allow(d) {
			break
		}
		q.bands[band].Remove(el)
		q.size--
		out, ok = d, true
		break
	}
	q.mu.Unlock()

	for _, d := range stale {
		q.stale.Add(1)
		q.drop(d, Stale)
	}
	if ok {
		q.popped.Add(1)
	}
	return out, ok
}

func (q *Queue) headLocked() (tasks.Priority, *list.Element) {
	for p := tasks.Interactive; p >= tasks.Low; p-- {
		if front := q.bands[p].Front(); front != nil {
			return p, front
		}
	}
	return 0, nil
}

// Drain removes and returns everything still queued, highest priority first.
func (q *Queue) Drain() []tasks.Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]tasks.Descriptor, 0, q.size)
	for p := tasks.Interactive; p >= tasks.Low; p-- {
		for el := q.bands[p].Front(); el != nil; el = el.Next() {
			out = append(out, el.Value.(tasks.Descriptor))
		}
		q.bands[p].Init()
	}
	q.size = 0
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) LenByPriority() map[tasks.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[tasks.Priority]int, tasks.NumPriorities)
	for p, band := range q.bands {
		out[tasks.Priority(p)] = band.Len()
	}
	return out
}

func (q *Queue) Stats() Stats {
	return Stats{
		Depth:    q.Len(),
		Pushed:   q.pushed.Load(),
		Popped:   q.popped.Load(),
		Evicted:  q.evicted.Load(),
		Rejected: q.rejected.Load(),
		Stale:    q.stale.Load(),
	}
}

func (q *Queue) drop(d tasks.Descriptor, reason DropReason) {
	q.logger.Debug("Task dropped",
		zap.String("task_id", d.ID),
		zap.Stringer("kind", d.Kind),
		zap.Stringer("priority", d.Priority),
		zap.Stringer("reason", reason),
	)
	if q.onDrop != nil {
		q.onDrop(d, reason)
	}
}
