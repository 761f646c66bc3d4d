package maintenance

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"gigamap/internal/cache"
	"gigamap/internal/pipeline"
	"gigamap/internal/runtime"
	"gigamap/internal/tile"
)

type fakeTarget struct {
	cache *cache.Cache
}

func (f fakeTarget) Cache() *cache.Cache { return f.cache }

func (f fakeTarget) Stats() pipeline.Stats {
	return pipeline.Stats{Cache: f.cache.Stats()}
}

func TestRunOnceSweepsExpiredFailures(t *testing.T) {
	clock := runtime.NewManualClock(time.Unix(1000, 0))
	c, err := cache.New(cache.Budget{MaxEntries: 8, MaxBytes: 1 << 20}, cache.Options{
		FailureCooldown: 10 * time.Second,
		Clock:           clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	fail := func(key tile.Key) *runtime.Handle[cache.Entry] {
		return runtime.Resolved(cache.Entry{}, tile.Errorf(tile.NetworkError, key, "unreachable"))
	}
	for x := range 3 {
		c.GetOrFetch(tile.Key{Zoom: 2, X: x, SourceID: "osm"}, fail)
	}
	if got := c.Stats().Failures; got != 3 {
		t.Fatalf("Failures = %d, want 3", got)
	}

	r, err := New("@every 1h", fakeTarget{cache: c}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if n := r.RunOnce(); n != 0 {
		t.Errorf("swept %d failures before the cooldown elapsed", n)
	}
	clock.Advance(10 * time.Second)
	if n := r.RunOnce(); n != 3 {
		t.Errorf("swept %d failures, want 3", n)
	}
	if got := c.Stats().Failures; got != 0 {
		t.Errorf("Failures = %d after sweep, want 0", got)
	}
}

func TestInvalidSchedule(t *testing.T) {
	if _, err := New("every minute", fakeTarget{}, zap.NewNop()); err == nil {
		t.Fatal("expected an error for a malformed schedule")
	}
}

func TestStartStop(t *testing.T) {
	c, err := cache.New(cache.Budget{MaxEntries: 1, MaxBytes: 1}, cache.Options{FailureCooldown: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	r, err := New("@every 1h", fakeTarget{cache: c}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	r.Stop()
}
