package runtime

import (
	"context"
	"sync"

	"gigamap/internal/tile"
)

// Handle is a caller-held reference to the eventual result of a task.
//
// A handle resolves exactly once. Cancel drops the handle: the task context is
// cancelled, any result produced afterwards is discarded and the handle
// reports tile.ErrCancelled from then on.
type Handle[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	value      T
	err        error
	finished   bool
	dropped    bool
	onComplete []func(T, error)
	onCancel   []func()
}

// NewHandle returns an unresolved handle whose context derives from parent.
func NewHandle[T any](parent context.Context) *Handle[T] {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Handle[T]{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Resolved returns a handle that has already completed.
func Resolved[T any](v T, err error) *Handle[T] {
	h := NewHandle[T](context.Background())
	h.Resolve(v, err)
	return h
}

// Context is cancelled once the handle is dropped or resolved.
func (h *Handle[T]) Context() context.Context {
	return h.ctx
}

// Resolve completes the handle. It reports false if the handle was already
// resolved or dropped, in which case v and err are discarded.
func (h *Handle[T]) Resolve(v T, err error) bool {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return false
	}
	h.finished = true
	h.value, h.err = v, err
	callbacks := h.onComplete
	h.onComplete = nil
	close(h.done)
	h.mu.Unlock()

	h.cancel()
	for _, fn := range callbacks {
		fn(v, err)
	}
	return true
}

// Cancel drops the handle. Safe to call more than once.
func (h *Handle[T]) Cancel() {
	h.mu.Lock()
	if h.dropped {
		h.mu.Unlock()
		return
	}
	h.dropped = true
	var zero T
	wasFinished := h.finished
	h.finished = true
	h.value, h.err = zero, tile.ErrCancelled
	callbacks := h.onComplete
	h.onComplete = nil
	hooks := h.onCancel
	h.onCancel = nil
	if !wasFinished {
		close(h.done)
	}
	h.mu.Unlock()

	h.cancel()
	for _, fn := range callbacks {
		fn(zero, tile.ErrCancelled)
	}
	for _, fn := range hooks {
		fn()
	}
}

// Done is closed once the handle is resolved or dropped.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

func (h *Handle[T]) IsFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

func (h *Handle[T]) IsCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// TryResult returns the result without waiting. ok is false while pending.
func (h *Handle[T]) TryResult() (v T, err error, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		return v, nil, false
	}
	return h.value, h.err, true
}

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		v, err, _ := h.TryResult()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run once with the final outcome. If the handle
// already finished, fn runs immediately on the calling goroutine.
func (h *Handle[T]) OnComplete(fn func(T, error)) {
	h.mu.Lock()
	if !h.finished {
		h.onComplete = append(h.onComplete, fn)
		h.mu.Unlock()
		return
	}
	v, err := h.value, h.err
	h.mu.Unlock()
	fn(v, err)
}

// OnCancel registers fn to run when the handle is dropped.
func (h *Handle[T]) OnCancel(fn func()) {
	h.mu.Lock()
	if !h.dropped {
		h.onCancel = append(h.onCancel, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}
