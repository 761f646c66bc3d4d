package runtime

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gigamap/internal/tile"
)

var ErrClosed = errors.New("runtime closed")

// Runtime executes units of work on whatever scheduler the host provides.
// Schedule must not block the caller; ScheduleBlocking is for CPU-bound or
// blocking work that must not occupy a cooperative slot.
type Runtime interface {
	Schedule(job func()) error
	ScheduleBlocking(job func()) error
	Now() time.Time
	// Outstanding reports jobs scheduled but not yet finished.
	Outstanding() int64
	Close() error
}

type options struct {
	clock  Clock
	logger *zap.Logger
}

type Option func(*options)

func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{clock: SystemClock{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type tracker struct {
	outstanding atomic.Int64
}

func (t *tracker) Outstanding() int64 {
	return t.outstanding.Load()
}

func (t *tracker) wrap(job func()) func() {
	t.outstanding.Add(1)
	return func() {
		defer t.outstanding.Add(-1)
		job()
	}
}

// Spawn runs work on rt and returns a handle to its result.
func Spawn[T any](rt Runtime, work func(ctx context.Context) (T, error)) *Handle[T] {
	h := NewHandle[T](context.Background())
	if err := rt.Schedule(func() { execute(h, work) }); err != nil {
		var zero T
		h.Resolve(zero, &tile.Error{Kind: tile.Cancelled, Err: err})
	}
	return h
}

// SpawnBlocking is Spawn for work that blocks or burns CPU.
func SpawnBlocking[T any](rt Runtime, work func(ctx context.Context) (T, error)) *Handle[T] {
	h := NewHandle[T](context.Background())
	if err := rt.ScheduleBlocking(func() { execute(h, work) }); err != nil {
		var zero T
		h.Resolve(zero, &tile.Error{Kind: tile.Cancelled, Err: err})
	}
	return h
}

// After runs job on rt once d has passed on rt's clock. If rt no longer
// accepts work by then, job runs on the timer's goroutine instead.
func After(rt Runtime, d time.Duration, job func()) (stop func() bool) {
	run := func() {
		if err := rt.Schedule(job); err != nil {
			job()
		}
	}
	if d <= 0 {
		run()
		return func() bool { return false }
	}
	if t, ok := rt.(Timer); ok {
		return t.AfterFunc(d, run)
	}
	return SystemClock{}.AfterFunc(d, run)
}

func execute[T any](h *Handle[T], work func(ctx context.Context) (T, error)) {
	if h.Context().Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			var zero T
			h.Resolve(zero, fmt.Errorf("task panicked: %v", r))
		}
	}()
	v, err := work(h.Context())
	h.Resolve(v, err)
}

var (
	defaultMu sync.Mutex
	defaultRT Runtime
)

// SetDefault installs the process-wide runtime. Replacing a runtime that
// still has outstanding work is a programming error and panics.
func SetDefault(rt Runtime) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRT != nil && defaultRT != rt && defaultRT.Outstanding() > 0 {
		panic(fmt.Sprintf("runtime: default replaced with %d tasks outstanding", defaultRT.Outstanding()))
	}
	defaultRT = rt
}

// Default returns the process-wide runtime, creating a pool sized to the
// machine on first use.
func Default() Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRT == nil {
		n := goruntime.NumCPU()
		defaultRT = NewPool(n, n)
	}
	return defaultRT
}
