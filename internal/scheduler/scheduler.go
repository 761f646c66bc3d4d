// Package scheduler dispatches queued task descriptors onto a runtime,
// gating tile fetches by a global concurrency budget.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gigamap/internal/metrics"
	"gigamap/internal/queue"
	"gigamap/internal/runtime"
	"gigamap/internal/tasks"
	"gigamap/internal/tile"
)

// Handler executes one descriptor. Handlers run as blocking work, so a
// fetch waiting on the network never holds a cooperative executor. Fetch
// handlers additionally run under a deadline.
type Handler func(ctx context.Context, d tasks.Descriptor) (any, error)

type Config struct {
	MaxConcurrentFetches int
	FetchTimeout         time.Duration
	// Adaptive scales the fetch limit down while the network is degraded.
	Adaptive bool
}

func (c Config) Validate() error {
	var err error
	if c.MaxConcurrentFetches <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_concurrent_fetches must be positive, got %d", c.MaxConcurrentFetches))
	}
	if c.FetchTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("fetch_timeout must be positive, got %s", c.FetchTimeout))
	}
	return err
}

type Stats struct {
	InFlightFetches int
	FetchLimit      int
	Network         string
	Queue           queue.Stats
}

type Scheduler struct {
	rt      runtime.Runtime
	cfg     Config
	logger  *zap.Logger
	queue   *queue.Queue
	network *NetworkMonitor

	handlers [tasks.NumKinds]Handler
	pending  sync.Map // descriptor id -> *runtime.Handle[any]
	inflight atomic.Int64
	closed   atomic.Bool
}

func New(rt runtime.Runtime, qcfg queue.Config, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if rt == nil {
		return nil, errors.New("scheduler requires a runtime")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		rt:      rt,
		cfg:     cfg,
		logger:  logger,
		network: NewNetworkMonitor(rt),
	}
	q, err := queue.New(qcfg, rt, queue.WithDropHandler(s.onDrop), queue.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	s.queue = q
	metrics.FetchLimit.Set(float64(cfg.MaxConcurrentFetches))
	return s, nil
}

// Register installs the handler for kind, replacing any previous one.
func (s *Scheduler) Register(kind tasks.Kind, h Handler) {
	s.handlers[kind] = h
}

func (s *Scheduler) Network() *NetworkMonitor {
	return s.network
}

// Submit queues d and returns a handle to its result. The handle resolves
// with a QueueFull or Cancelled error if the queue drops d.
func (s *Scheduler) Submit(d tasks.Descriptor) *runtime.Handle[any] {
	h := runtime.NewHandle[any](context.Background())
	if s.closed.Load() {
		h.Resolve(nil, &tile.Error{Kind: tile.Cancelled, Err: runtime.ErrClosed})
		return h
	}

	s.pending.Store(d.ID, h)
	h.OnCancel(func() { s.pending.Delete(d.ID) })

	if s.queue.Push(d) {
		metrics.QueuePushes.WithLabelValues(d.Kind.String(), d.Priority.String()).Inc()
	}
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.pump()
	return h
}

func (s *Scheduler) onDrop(d tasks.Descriptor, reason queue.DropReason) {
	metrics.QueueDrops.WithLabelValues(d.Kind.String(), reason.String()).Inc()
	s.logger.Warn("Task dropped",
		zap.String("task_id", d.ID),
		zap.Stringer("kind", d.Kind),
		zap.Stringer("priority", d.Priority),
		zap.Stringer("reason", reason),
	)

	v, ok := s.pending.LoadAndDelete(d.ID)
	if !ok {
		return
	}
	kind := tile.QueueFull
	switch reason {
	case queue.Stale:
		kind = tile.Cancelled
	case queue.Invalid:
		kind = tile.InvalidKey
	}
	v.(*runtime.Handle[any]).Resolve(nil, &tile.Error{Kind: kind, Err: fmt.Errorf("task %s %s", d.ID, reason)})
}

// limit is the effective fetch concurrency.
func (s *Scheduler) limit() int {
	if !s.cfg.Adaptive {
		return s.cfg.MaxConcurrentFetches
	}
	return s.network.Limit(s.cfg.MaxConcurrentFetches)
}

// admit reserves a fetch slot for fetch descriptors. It runs under the
// queue lock and touches nothing but atomics; limit is computed by the
// caller beforehand.
func (s *Scheduler) admit(d tasks.Descriptor, limit int64) bool {
	if d.Kind != tasks.Fetch {
		return true
	}
	for {
		cur := s.inflight.Load()
		if cur >= limit {
			return false
		}
		if s.inflight.CompareAndSwap(cur, cur+1) {
			metrics.FetchesInFlight.Set(float64(cur + 1))
			return true
		}
	}
}

func (s *Scheduler) release() {
	n := s.inflight.Add(-1)
	metrics.FetchesInFlight.Set(float64(n))
}

// pump dispatches queued work until the queue is empty or the head is a
// fetch with no free slot.
func (s *Scheduler) pump() {
	for !s.closed.Load() {
		limit := int64(s.limit())
		d, ok := s.queue.PopNextWhere(func(d tasks.Descriptor) bool { return s.admit(d, limit) })
		if !ok {
			break
		}
		v, ok := s.pending.LoadAndDelete(d.ID)
		if !ok {
			// Handle dropped while queued.
			if d.Kind == tasks.Fetch {
				s.release()
			}
			continue
		}
		metrics.QueueLatency.WithLabelValues(d.Kind.String()).Observe(s.rt.Now().Sub(d.CreatedAt).Seconds())
		s.dispatch(d, v.(*runtime.Handle[any]))
	}
	metrics.QueueDepth.Set(float64(s.queue.Len()))
}

func (s *Scheduler) dispatch(d tasks.Descriptor, h *runtime.Handle[any]) {
	handler := s.handlers[d.Kind]
	if handler == nil {
		if d.Kind == tasks.Fetch {
			s.release()
		}
		h.Resolve(nil, fmt.Errorf("no handler registered for %s tasks", d.Kind))
		return
	}

	start := time.Now()
	if d.Kind == tasks.Fetch {
		s.dispatchFetch(d, h, handler, start)
		return
	}

	inner := runtime.SpawnBlocking(s.rt, func(ctx context.Context) (any, error) {
		return handler(ctx, d)
	})
	h.OnCancel(inner.Cancel)
	inner.OnComplete(func(v any, err error) {
		s.observe(d, start, err)
		h.Resolve(v, err)
	})
}

// dispatchFetch runs a fetch under FetchTimeout. Whichever comes first of
// the handler returning, the deadline or the handle being dropped frees the
// slot; later outcomes are ignored.
func (s *Scheduler) dispatchFetch(d tasks.Descriptor, h *runtime.Handle[any], handler Handler, start time.Time) {
	var once sync.Once
	finish := func(v any, err error) {
		once.Do(func() {
			s.release()
			s.observe(d, start, err)
			h.Resolve(v, err)
			// Dispatch the next fetch from the runtime's executor.
			if err := s.rt.Schedule(s.pump); err != nil {
				s.pump()
			}
		})
	}

	var key tile.Key
	if p, ok := d.Payload.(tasks.FetchPayload); ok {
		key = p.Key
	}

	inner := runtime.SpawnBlocking(s.rt, func(ctx context.Context) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
		stop := context.AfterFunc(ctx, func() {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				finish(nil, &tile.Error{Kind: tile.Timeout, Key: key, Err: ctx.Err()})
			}
		})
		defer stop()

		v, err := handler(ctx, d)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &tile.Error{Kind: tile.Timeout, Key: key, Err: err}
		}
		return v, err
	})
	h.OnCancel(inner.Cancel)
	inner.OnComplete(finish)
}

func (s *Scheduler) observe(d tasks.Descriptor, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := "success"
	if err != nil {
		outcome = tile.KindOf(err).String()
	}
	metrics.TasksCompleted.WithLabelValues(d.Kind.String(), outcome).Inc()
	metrics.TaskDuration.WithLabelValues(d.Kind.String()).Observe(elapsed.Seconds())

	if d.Kind != tasks.Fetch {
		return
	}
	switch {
	case err == nil:
		s.network.RecordSuccess(elapsed)
	case tile.KindOf(err) == tile.NetworkError, tile.KindOf(err) == tile.Timeout:
		s.network.RecordFailure()
	}
	if s.cfg.Adaptive {
		metrics.FetchLimit.Set(float64(s.limit()))
	}
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		InFlightFetches: int(s.inflight.Load()),
		FetchLimit:      s.limit(),
		Network:         s.network.Condition().String(),
		Queue:           s.queue.Stats(),
	}
}

// Close stops dispatching and cancels everything still queued. Work already
// running finishes on the runtime.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, d := range s.queue.Drain() {
		if v, ok := s.pending.LoadAndDelete(d.ID); ok {
			v.(*runtime.Handle[any]).Resolve(nil, &tile.Error{Kind: tile.Cancelled, Err: runtime.ErrClosed})
		}
	}
	metrics.QueueDepth.Set(0)
	return nil
}
