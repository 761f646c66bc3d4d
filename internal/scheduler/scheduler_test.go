package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gigamap/internal/queue"
	"gigamap/internal/runtime"
	"gigamap/internal/tasks"
	"gigamap/internal/tile"
)

func newScheduler(t *testing.T, rt runtime.Runtime, maxLen, maxFetches int, timeout time.Duration) *Scheduler {
	t.Helper()
	s, err := New(rt, queue.Config{MaxLen: maxLen, MaxAge: time.Minute}, Config{
		MaxConcurrentFetches: maxFetches,
		FetchTimeout:         timeout,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fetchTask(rt runtime.Runtime, p tasks.Priority, x int) tasks.Descriptor {
	return tasks.New(p, rt.Now(), tasks.FetchPayload{Key: tile.Key{Zoom: 4, X: x, SourceID: "osm"}})
}

func wait(t *testing.T, h *runtime.Handle[any]) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := h.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatal("handle never resolved")
	}
	return v, err
}

func TestFetchConcurrencyIsGated(t *testing.T) {
	rt := runtime.NewPool(8, 2)
	defer rt.Close()
	s := newScheduler(t, rt, 100, 2, time.Minute)

	var current, peak atomic.Int64
	release := make(chan struct{})
	s.Register(tasks.Fetch, func(ctx context.Context, d tasks.Descriptor) (any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return d.Payload.(tasks.FetchPayload).Key.X, nil
	})

	var handles []*runtime.Handle[any]
	for i := range 6 {
		handles = append(handles, s.Submit(fetchTask(rt, tasks.Normal, i)))
	}

	time.Sleep(50 * time.Millisecond)
	if st := s.Stats(); st.InFlightFetches != 2 || st.Queue.Depth != 4 {
		t.Errorf("Expected 2 in flight and 4 queued, got %+v", st)
	}
	close(release)

	for i, h := range handles {
		v, err := wait(t, h)
		if err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
		if v.(int) != i {
			t.Errorf("fetch %d returned %v", i, v)
		}
	}
	if peak.Load() > 2 {
		t.Errorf("Peak concurrency %d exceeds limit 2", peak.Load())
	}
}

func TestHigherPriorityDispatchedFirst(t *testing.T) {
	rt := runtime.NewPool(4, 2)
	defer rt.Close()
	s := newScheduler(t, rt, 100, 1, time.Minute)

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []int
	s.Register(tasks.Fetch, func(ctx context.Context, d tasks.Descriptor) (any, error) {
		x := d.Payload.(tasks.FetchPayload).Key.X
		if x == 0 {
			<-gate
		}
		mu.Lock()
		order = append(order, x)
		mu.Unlock()
		return nil, nil
	})

	first := s.Submit(fetchTask(rt, tasks.Low, 0))
	time.Sleep(20 * time.Millisecond)
	low := s.Submit(fetchTask(rt, tasks.Low, 1))
	high := s.Submit(fetchTask(rt, tasks.Interactive, 2))
	close(gate)

	wait(t, first)
	wait(t, low)
	wait(t, high)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[1] != 2 || order[2] != 1 {
		t.Errorf("Expected [0 2 1], got %v", order)
	}
}

func TestFetchTimeoutFreesSlot(t *testing.T) {
	rt := runtime.NewPool(4, 2)
	defer rt.Close()
	s := newScheduler(t, rt, 100, 1, 30*time.Millisecond)

	stuck := make(chan struct{})
	defer close(stuck)
	s.Register(tasks.Fetch, func(ctx context.Context, d tasks.Descriptor) (any, error) {
		if d.Payload.(tasks.FetchPayload).Key.X == 0 {
			<-stuck
		}
		return "ok", nil
	})

	slow := s.Submit(fetchTask(rt, tasks.High, 0))
	next := s.Submit(fetchTask(rt, tasks.High, 1))

	if _, err := wait(t, slow); tile.KindOf(err) != tile.Timeout {
		t.Fatalf("Expected timeout, got %v", err)
	}
	v, err := wait(t, next)
	if err != nil || v != "ok" {
		t.Errorf("Expected second fetch to run after timeout, got %v %v", v, err)
	}
}

func TestQueueFullResolvesHandle(t *testing.T) {
	rt := runtime.NewPool(2, 2)
	defer rt.Close()
	s := newScheduler(t, rt, 1, 1, time.Minute)

	block := make(chan struct{})
	defer close(block)
	s.Register(tasks.Fetch, func(ctx context.Context, d tasks.Descriptor) (any, error) {
		<-block
		return nil, nil
	})

	s.Submit(fetchTask(rt, tasks.High, 0)) // running
	s.Submit(fetchTask(rt, tasks.High, 1)) // queued, fills the queue
	rejected := s.Submit(fetchTask(rt, tasks.High, 2))

	if _, err := wait(t, rejected); tile.KindOf(err) != tile.QueueFull {
		t.Errorf("Expected queue full, got %v", err)
	}
}

func TestDroppedHandleIsNotDispatched(t *testing.T) {
	rt := runtime.NewPool(2, 2)
	defer rt.Close()
	s := newScheduler(t, rt, 10, 1, time.Minute)

	block := make(chan struct{})
	var calls atomic.Int32
	s.Register(tasks.Fetch, func(ctx context.Context, d tasks.Descriptor) (any, error) {
		calls.Add(1)
		if d.Payload.(tasks.FetchPayload).Key.X == 0 {
			<-block
		}
		return nil, nil
	})

	first := s.Submit(fetchTask(rt, tasks.High, 0))
	time.Sleep(20 * time.Millisecond)
	dropped := s.Submit(fetchTask(rt, tasks.High, 1))
	dropped.Cancel()
	last := s.Submit(fetchTask(rt, tasks.High, 2))
	close(block)

	wait(t, first)
	wait(t, last)
	if n := calls.Load(); n != 2 {
		t.Errorf("Expected 2 fetches to run, got %d", n)
	}
	if st := s.Stats(); st.InFlightFetches != 0 {
		t.Errorf("Slots leaked: %d in flight", st.InFlightFetches)
	}
}

func TestComputeTasksBypassFetchGate(t *testing.T) {
	rt := runtime.NewInline()
	s := newScheduler(t, rt, 10, 1, time.Minute)
	s.Register(tasks.Cluster, func(ctx context.Context, d tasks.Descriptor) (any, error) {
		return len(d.Payload.(tasks.ClusterPayload).Markers), nil
	})

	h := s.Submit(tasks.New(tasks.Normal, rt.Now(), tasks.ClusterPayload{Threshold: 10}))
	v, err := wait(t, h)
	if err != nil || v.(int) != 0 {
		t.Errorf("Unexpected result %v %v", v, err)
	}
}

func TestMissingHandler(t *testing.T) {
	rt := runtime.NewInline()
	s := newScheduler(t, rt, 10, 1, time.Minute)
	if _, err := wait(t, s.Submit(fetchTask(rt, tasks.High, 0))); err == nil {
		t.Error("Expected error without a handler")
	}
	if st := s.Stats(); st.InFlightFetches != 0 {
		t.Errorf("Slots leaked: %d", st.InFlightFetches)
	}
}

func TestInvalidConfig(t *testing.T) {
	rt := runtime.NewInline()
	qcfg := queue.Config{MaxLen: 1, MaxAge: time.Second}
	for _, cfg := range []Config{{MaxConcurrentFetches: 0, FetchTimeout: time.Second}, {MaxConcurrentFetches: 1}} {
		if _, err := New(rt, qcfg, cfg, nil); err == nil {
			t.Errorf("Expected error for %+v", cfg)
		}
	}
}

func TestNetworkMonitor(t *testing.T) {
	clock := runtime.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewNetworkMonitor(clock)

	if m.Condition() != Good || m.Limit(8) != 8 {
		t.Fatal("Expected good network without samples")
	}

	m.RecordSuccess(time.Second)
	if m.Condition() != Fair || m.Limit(8) != 6 {
		t.Errorf("Expected fair/6, got %s/%d", m.Condition(), m.Limit(8))
	}

	for range 4 {
		m.RecordFailure()
	}
	if m.Condition() != Poor || m.Limit(8) != 4 || m.Limit(1) != 1 {
		t.Errorf("Expected poor, got %s", m.Condition())
	}

	clock.Advance(31 * time.Second)
	if m.Condition() != Good {
		t.Errorf("Expected samples to age out, got %s", m.Condition())
	}
}

func TestAdaptiveLimitIsReadOutsideQueueLock(t *testing.T) {
	rt := runtime.NewPool(4, 4)
	defer rt.Close()
	s, err := New(rt, queue.Config{MaxLen: 10, MaxAge: time.Minute}, Config{
		MaxConcurrentFetches: 4,
		FetchTimeout:         time.Minute,
		Adaptive:             true,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	release := make(chan struct{})
	s.Register(tasks.Fetch, func(ctx context.Context, d tasks.Descriptor) (any, error) {
		<-release
		return nil, nil
	})
	for range 4 {
		s.network.RecordFailure()
	}

	// Hold the monitor while a submit pumps the queue.
	s.network.mu.Lock()
	submitted := make(chan *runtime.Handle[any], 1)
	go func() { submitted <- s.Submit(fetchTask(rt, tasks.Normal, 0)) }()
	time.Sleep(20 * time.Millisecond)

	depth := make(chan int, 1)
	go func() { depth <- s.queue.Len() }()
	select {
	case <-depth:
	case <-time.After(time.Second):
		s.network.mu.Unlock()
		t.Fatal("Queue lock held while reading the network monitor")
	}
	s.network.mu.Unlock()
	first := <-submitted

	var handles []*runtime.Handle[any]
	for i := 1; i < 6; i++ {
		handles = append(handles, s.Submit(fetchTask(rt, tasks.Normal, i)))
	}
	time.Sleep(50 * time.Millisecond)
	if st := s.Stats(); st.FetchLimit != 2 || st.InFlightFetches != 2 {
		t.Errorf("Expected 2 of 2 slots used on a poor network, got %+v", st)
	}
	close(release)
	for _, h := range append(handles, first) {
		if _, err := wait(t, h); err != nil {
			t.Errorf("fetch failed: %v", err)
		}
	}
}
