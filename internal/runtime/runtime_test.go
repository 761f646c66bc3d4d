package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gigamap/internal/tile"
)

func runtimes(t *testing.T) map[string]Runtime {
	t.Helper()
	rts := map[string]Runtime{
		"pool":        NewPool(4, 2),
		"cooperative": NewCooperative(2),
		"inline":      NewInline(),
	}
	t.Cleanup(func() {
		for _, rt := range rts {
			rt.Close()
		}
	})
	return rts
}

func TestSpawnDeliversResult(t *testing.T) {
	for name, rt := range runtimes(t) {
		t.Run(name, func(t *testing.T) {
			h := Spawn(rt, func(ctx context.Context) (int, error) {
				return 42, nil
			})
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			v, err := h.Wait(ctx)
			if err != nil {
				t.Fatalf("Wait failed: %v", err)
			}
			if v != 42 {
				t.Errorf("Expected 42, got %d", v)
			}
		})
	}
}

func TestSpawnCapturesErrorsAndPanics(t *testing.T) {
	boom := errors.New("boom")
	for name, rt := range runtimes(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			h := SpawnBlocking(rt, func(ctx context.Context) (string, error) {
				return "", boom
			})
			if _, err := h.Wait(ctx); !errors.Is(err, boom) {
				t.Errorf("Expected boom, got %v", err)
			}

			p := Spawn(rt, func(ctx context.Context) (string, error) {
				panic("kaput")
			})
			if _, err := p.Wait(ctx); err == nil {
				t.Error("Expected panic to surface as an error")
			}
		})
	}
}

func TestCancelledHandleHidesResult(t *testing.T) {
	rt := NewPool(1, 1)
	defer rt.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	h := Spawn(rt, func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 7, nil
	})
	<-started
	h.Cancel()
	close(release)

	_, err := h.Wait(context.Background())
	if !errors.Is(err, tile.ErrCancelled) {
		t.Fatalf("Expected cancelled, got %v", err)
	}
	if h.Resolve(8, nil) {
		t.Error("Resolve succeeded on a dropped handle")
	}
}

func TestCancelBeforeStartSkipsWork(t *testing.T) {
	rt := NewPool(1, 1)
	defer rt.Close()

	block := make(chan struct{})
	Spawn(rt, func(ctx context.Context) (int, error) {
		<-block
		return 0, nil
	})

	ran := make(chan struct{}, 1)
	h := Spawn(rt, func(ctx context.Context) (int, error) {
		ran <- struct{}{}
		return 1, nil
	})
	h.Cancel()
	close(block)

	if err := rt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-ran:
		t.Error("Work of a dropped handle ran")
	default:
	}
}

func TestCooperativeRunsJobsInOrder(t *testing.T) {
	rt := NewCooperative(1)

	var mu sync.Mutex
	var order []int
	for i := range 10 {
		rt.Schedule(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	rt.Close()

	for i, v := range order {
		if v != i {
			t.Fatalf("Expected FIFO order, got %v", order)
		}
	}
	if len(order) != 10 {
		t.Errorf("Expected 10 jobs, got %d", len(order))
	}
}

func TestScheduleAfterClose(t *testing.T) {
	rt := NewPool(1, 1)
	rt.Close()

	h := Spawn(rt, func(ctx context.Context) (int, error) { return 1, nil })
	_, err, ok := h.TryResult()
	if !ok {
		t.Fatal("Expected handle to resolve immediately")
	}
	if tile.KindOf(err) != tile.Cancelled {
		t.Errorf("Expected cancelled error, got %v", err)
	}
}

func TestOnCompleteRunsOnce(t *testing.T) {
	h := NewHandle[int](context.Background())
	calls := 0
	h.OnComplete(func(int, error) { calls++ })
	h.Resolve(1, nil)
	h.Resolve(2, nil)
	h.Cancel()
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}

	late := 0
	h.OnComplete(func(int, error) { late++ })
	if late != 1 {
		t.Errorf("Expected late callback to run immediately")
	}
}

func TestSetDefaultSwapWithOutstandingPanics(t *testing.T) {
	defaultMu.Lock()
	saved := defaultRT
	defaultRT = nil
	defaultMu.Unlock()
	t.Cleanup(func() {
		defaultMu.Lock()
		defaultRT = saved
		defaultMu.Unlock()
	})

	busy := NewPool(1, 1)
	block := make(chan struct{})
	busy.Schedule(func() { <-block })
	SetDefault(busy)

	defer func() {
		close(block)
		busy.Close()
		if recover() == nil {
			t.Error("Expected panic when swapping a busy default runtime")
		}
	}()
	SetDefault(NewInline())
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	c.Advance(time.Minute)
	if got := c.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("Expected %v, got %v", start.Add(time.Minute), got)
	}
	rt := NewInline(WithClock(c))
	if !rt.Now().Equal(c.Now()) {
		t.Error("Runtime does not use its clock")
	}
}

func TestAfterFollowsRuntimeClock(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	rt := NewInline(WithClock(c))

	var order []string
	After(rt, 2*time.Second, func() { order = append(order, "late") })
	After(rt, time.Second, func() { order = append(order, "early") })
	stop := After(rt, time.Second, func() { order = append(order, "stopped") })
	if !stop() {
		t.Fatal("stop should prevent a pending timer")
	}

	c.Advance(999 * time.Millisecond)
	if len(order) != 0 {
		t.Fatalf("Timers fired early: %v", order)
	}
	c.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Errorf("Expected [early late], got %v", order)
	}
	if stop() {
		t.Error("stop reported success twice")
	}

	ran := false
	After(rt, 0, func() { ran = true })
	if !ran {
		t.Error("Zero delay should run at once")
	}
}

func TestAfterOnClosedRuntimeStillRuns(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	rt := NewInline(WithClock(c))
	ran := false
	After(rt, time.Second, func() { ran = true })
	rt.Close()
	c.Advance(time.Second)
	if !ran {
		t.Error("Job dropped after the runtime closed")
	}
}

func TestAfterOnPool(t *testing.T) {
	rt := NewPool(2, 1)
	defer rt.Close()
	done := make(chan struct{})
	After(rt, 10*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timer never fired")
	}
}
