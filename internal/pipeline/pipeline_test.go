package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/multierr"

	"gigamap/internal/cache"
	"gigamap/internal/compute"
	"gigamap/internal/runtime"
	"gigamap/internal/source"
	"gigamap/internal/tile"
)

// identity treats input points as tile fractions.
type identity struct{}

func (identity) TileFraction(p orb.Point, _ int) orb.Point { return p }
func (identity) Point(f orb.Point, _ int) orb.Point        { return f }

type stubDecoder struct{}

func (stubDecoder) Decode(_ context.Context, key tile.Key, data []byte) (*image.RGBA, error) {
	if string(data) == "corrupt" {
		return nil, tile.Errorf(tile.DecodeError, key, "corrupt tile")
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

// countingFetcher records calls per key and fails keys listed in failures
// that many times.
type countingFetcher struct {
	mu       sync.Mutex
	calls    map[tile.Key]int
	failures map[tile.Key]int
	gate     chan struct{}
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{calls: make(map[tile.Key]int), failures: make(map[tile.Key]int)}
}

func (f *countingFetcher) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	f.mu.Lock()
	f.calls[key]++
	n := f.calls[key]
	fail := n <= f.failures[key]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, tile.Errorf(tile.NetworkError, key, "connection refused")
	}
	return []byte("tile"), nil
}

func (f *countingFetcher) count(key tile.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *countingFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Budget = cache.Budget{MaxEntries: 64, MaxBytes: 1 << 20}
	cfg.PrefetchMargin = 0
	cfg.FailureCooldown = 30 * time.Second
	cfg.MaxAutoRetries = 1
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.PredictAhead = 0
	cfg.Scheduler.Adaptive = false
	return cfg
}

func newPipeline(t *testing.T, rt runtime.Runtime, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(rt, cfg, WithProjection(identity{}), WithDecoder(stubDecoder{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func allCompleted(states map[tile.Key]cache.State) bool {
	for _, st := range states {
		if st.Status != cache.Completed {
			return false
		}
	}
	return len(states) > 0
}

var frameKeys = []tile.Key{
	{Zoom: 3, X: 1, Y: 1, SourceID: "osm"},
	{Zoom: 3, X: 1, Y: 2, SourceID: "osm"},
	{Zoom: 3, X: 2, Y: 1, SourceID: "osm"},
	{Zoom: 3, X: 2, Y: 2, SourceID: "osm"},
}

var centerView = Viewport{Center: orb.Point{2, 2}, Zoom: 3, Width: 256, Height: 256}

func TestViewportTilesComplete(t *testing.T) {
	clock := runtime.NewManualClock(time.Unix(0, 0))
	p := newPipeline(t, runtime.NewInline(runtime.WithClock(clock)), testConfig())
	f := newCountingFetcher()
	if err := p.SetSource("osm", f); err != nil {
		t.Fatalf("SetSource failed: %v", err)
	}

	if err := p.SetViewport(centerView); err != nil {
		t.Fatalf("SetViewport failed: %v", err)
	}

	states := p.CurrentFrameTiles()
	if len(states) != len(frameKeys) {
		t.Fatalf("Expected %d frame tiles, got %d", len(frameKeys), len(states))
	}
	for _, k := range frameKeys {
		st, ok := states[k]
		if !ok {
			t.Errorf("Missing frame tile %v", k)
			continue
		}
		if st.Status != cache.Completed {
			t.Errorf("Tile %v: expected completed, got %s", k, st.Status)
		}
		if f.count(k) != 1 {
			t.Errorf("Tile %v fetched %d times", k, f.count(k))
		}
	}
}

func TestPanAwayAndBackDoesNotRefetch(t *testing.T) {
	rt := runtime.NewPool(4, 16)
	defer rt.Close()
	cfg := testConfig()
	cfg.Scheduler.MaxConcurrentFetches = 16
	p := newPipeline(t, rt, cfg)

	f := newCountingFetcher()
	release := make(chan struct{})
	f.gate = release
	p.SetSource("osm", f)

	if err := p.SetViewport(centerView); err != nil {
		t.Fatal(err)
	}
	away := Viewport{Center: orb.Point{6, 6}, Zoom: 3, Width: 256, Height: 256}
	if err := p.SetViewport(away); err != nil {
		t.Fatal(err)
	}
	if err := p.SetViewport(centerView); err != nil {
		t.Fatal(err)
	}
	close(release)

	eventually(t, "frame tiles", func() bool { return allCompleted(p.CurrentFrameTiles()) })
	for _, k := range frameKeys {
		if n := f.count(k); n != 1 {
			t.Errorf("Tile %v fetched %d times, want 1", k, n)
		}
	}
	if st := p.Cache().Stats(); st.Misses != 8 {
		t.Errorf("Expected 8 distinct fetches, got %d", st.Misses)
	}
}

func TestFailureCooldownAndRetry(t *testing.T) {
	clock := runtime.NewManualClock(time.Unix(0, 0))
	p := newPipeline(t, runtime.NewInline(runtime.WithClock(clock)), testConfig())

	key := tile.Key{Zoom: 5, X: 10, Y: 10, SourceID: "osm"}
	f := newCountingFetcher()
	f.failures[key] = 2
	p.SetSource("osm", f)

	view := Viewport{Center: orb.Point{10.5, 10.5}, Zoom: 5, Width: 256, Height: 256}
	if err := p.SetViewport(view); err != nil {
		t.Fatal(err)
	}
	if n := f.count(key); n != 1 {
		t.Fatalf("Expected the retry to wait for the retry delay, got %d attempts", n)
	}
	clock.Advance(10 * time.Millisecond)

	// First attempt plus one automatic retry.
	if n := f.count(key); n != 2 {
		t.Fatalf("Expected 2 fetch attempts, got %d", n)
	}
	st := p.CurrentFrameTiles()[key]
	if st.Status != cache.Failed || st.Kind() != tile.NetworkError {
		t.Fatalf("Expected Failed(network_error), got %s (%v)", st.Status, st.Err)
	}

	// Within the cooldown the failure is served without dispatching.
	clock.Advance(10 * time.Second)
	p.SetViewport(view)
	_, err := p.Tile(context.Background(), key)
	if tile.KindOf(err) != tile.NetworkError {
		t.Errorf("Expected cached network error, got %v", err)
	}
	if n := f.count(key); n != 2 {
		t.Errorf("Expected no new fetch inside cooldown, got %d attempts", n)
	}

	clock.Advance(25 * time.Second)
	p.SetViewport(view)
	if n := f.count(key); n != 3 {
		t.Errorf("Expected exactly one new fetch after cooldown, got %d attempts", n-2)
	}
	if st := p.CurrentFrameTiles()[key]; st.Status != cache.Completed {
		t.Errorf("Expected completed after cooldown, got %s", st.Status)
	}
}

func TestRetryWaitsRetryDelay(t *testing.T) {
	clock := runtime.NewManualClock(time.Unix(0, 0))
	cfg := testConfig()
	cfg.RetryDelay = time.Second
	p := newPipeline(t, runtime.NewInline(runtime.WithClock(clock)), cfg)

	key := tile.Key{Zoom: 5, X: 10, Y: 10, SourceID: "osm"}
	f := newCountingFetcher()
	f.failures[key] = 1
	p.SetSource("osm", f)
	p.SetViewport(Viewport{Center: orb.Point{10.5, 10.5}, Zoom: 5, Width: 256, Height: 256})

	if st := p.CurrentFrameTiles()[key]; st.Status == cache.Failed || st.Status == cache.Completed {
		t.Fatalf("Expected the tile to wait for its retry, got %s", st.Status)
	}
	clock.Advance(999 * time.Millisecond)
	if n := f.count(key); n != 1 {
		t.Fatalf("Retried before the delay passed: %d attempts", n)
	}
	clock.Advance(time.Millisecond)
	if n := f.count(key); n != 2 {
		t.Fatalf("Expected 2 attempts, got %d", n)
	}
	if st := p.CurrentFrameTiles()[key]; st.Status != cache.Completed {
		t.Errorf("Expected completed after the retry, got %s", st.Status)
	}
}

func TestStaleFetchesAreResubmitted(t *testing.T) {
	clock := runtime.NewManualClock(time.Unix(0, 0))
	rt := runtime.NewPool(4, 8, runtime.WithClock(clock))
	defer rt.Close()
	cfg := testConfig()
	cfg.Scheduler.MaxConcurrentFetches = 1
	cfg.Queue.MaxAge = time.Second
	p := newPipeline(t, rt, cfg)

	f := newCountingFetcher()
	release := make(chan struct{})
	f.gate = release
	p.SetSource("osm", f)
	if err := p.SetViewport(centerView); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first fetch", func() bool { return f.total() == 1 })

	// The three queued fetches outlive MaxAge without the view moving.
	clock.Advance(2 * time.Second)
	close(release)

	eventually(t, "frame tiles", func() bool {
		clock.Advance(cfg.RetryDelay)
		return allCompleted(p.CurrentFrameTiles())
	})
	for _, k := range frameKeys {
		if n := f.count(k); n != 1 {
			t.Errorf("Tile %v fetched %d times, want 1", k, n)
		}
	}
	if st := p.Scheduler().Stats().Queue; st.Stale < 3 {
		t.Errorf("Expected at least 3 stale drops, got %d", st.Stale)
	}
}

func TestQueueFullWorkIsResubmitted(t *testing.T) {
	clock := runtime.NewManualClock(time.Unix(0, 0))
	rt := runtime.NewPool(4, 8, runtime.WithClock(clock))
	defer rt.Close()
	cfg := testConfig()
	cfg.Scheduler.MaxConcurrentFetches = 1
	cfg.Queue.MaxLen = 1
	p := newPipeline(t, rt, cfg)

	f := newCountingFetcher()
	release := make(chan struct{})
	f.gate = release
	p.SetSource("osm", f)
	p.SetViewport(centerView)
	eventually(t, "first fetch", func() bool { return f.total() == 1 })
	close(release)

	eventually(t, "frame tiles", func() bool {
		clock.Advance(cfg.RetryDelay)
		return allCompleted(p.CurrentFrameTiles())
	})
	for _, k := range frameKeys {
		if n := f.count(k); n != 1 {
			t.Errorf("Tile %v fetched %d times, want 1", k, n)
		}
	}
	for k, st := range p.CurrentFrameTiles() {
		if st.Err != nil {
			t.Errorf("Tile %v carries error %v", k, st.Err)
		}
	}
}

func TestManualRetry(t *testing.T) {
	clock := runtime.NewManualClock(time.Unix(0, 0))
	cfg := testConfig()
	cfg.MaxAutoRetries = 0
	p := newPipeline(t, runtime.NewInline(runtime.WithClock(clock)), cfg)

	key := tile.Key{Zoom: 5, X: 10, Y: 10, SourceID: "osm"}
	f := newCountingFetcher()
	f.failures[key] = 1
	p.SetSource("osm", f)
	p.SetViewport(Viewport{Center: orb.Point{10.5, 10.5}, Zoom: 5, Width: 256, Height: 256})

	if st := p.CurrentFrameTiles()[key]; st.Status != cache.Failed {
		t.Fatalf("Expected failed tile, got %s", st.Status)
	}
	if !p.Retry(key) {
		t.Error("Retry should report a cleared failure")
	}
	if st := p.CurrentFrameTiles()[key]; st.Status != cache.Completed {
		t.Errorf("Expected completed after retry, got %s", st.Status)
	}
	if f.count(key) != 2 {
		t.Errorf("Expected 2 fetches, got %d", f.count(key))
	}
}

func TestDecodeFailureIsRecorded(t *testing.T) {
	p := newPipeline(t, runtime.NewInline(), testConfig())
	p.SetSource("bad", source.FetcherFunc(func(context.Context, tile.Key) ([]byte, error) {
		return []byte("corrupt"), nil
	}))

	_, err := p.Tile(context.Background(), tile.Key{Zoom: 1, SourceID: "bad"})
	if !errors.Is(err, tile.ErrDecode) {
		t.Fatalf("Expected decode error, got %v", err)
	}
	if st := p.Cache().State(tile.Key{Zoom: 1, SourceID: "bad"}); st.Status != cache.Failed {
		t.Errorf("Expected recorded failure, got %s", st.Status)
	}
}

func TestInvalidateRefetches(t *testing.T) {
	p := newPipeline(t, runtime.NewInline(), testConfig())
	f := newCountingFetcher()
	p.SetSource("osm", f)
	p.SetViewport(centerView)

	if err := p.Invalidate(context.Background(), "osm"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if n := f.total(); n != 8 {
		t.Errorf("Expected the frame to be fetched twice, got %d fetches", n)
	}
	if !allCompleted(p.CurrentFrameTiles()) {
		t.Error("Expected frame to be complete after invalidate")
	}

	if err := p.Invalidate(context.Background(), "missing"); err == nil {
		t.Error("Expected error for unknown source")
	}
}

func TestRemoveSourceClearsFrame(t *testing.T) {
	p := newPipeline(t, runtime.NewInline(), testConfig())
	p.SetSource("osm", newCountingFetcher())
	p.SetSource("sat", newCountingFetcher())
	p.SetViewport(centerView)

	if n := len(p.CurrentFrameTiles()); n != 8 {
		t.Fatalf("Expected 8 frame tiles for two sources, got %d", n)
	}
	if !p.RemoveSource("sat") {
		t.Fatal("RemoveSource failed")
	}
	if n := len(p.CurrentFrameTiles()); n != 4 {
		t.Errorf("Expected 4 frame tiles, got %d", n)
	}
	if n := len(p.Cache().Keys()); n != 4 {
		t.Errorf("Expected 4 cached tiles, got %d", n)
	}
}

func TestTileUnknownSource(t *testing.T) {
	p := newPipeline(t, runtime.NewInline(), testConfig())
	_, err := p.Tile(context.Background(), tile.Key{Zoom: 1, SourceID: "nope"})
	if tile.KindOf(err) != tile.InvalidKey {
		t.Errorf("Expected invalid key, got %v", err)
	}
}

func TestDefaultDecoder(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 256, 256))); err != nil {
		t.Fatal(err)
	}
	p, err := New(runtime.NewInline(), testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Close()
	p.SetSource("png", source.FetcherFunc(func(context.Context, tile.Key) ([]byte, error) {
		return buf.Bytes(), nil
	}))

	e, err := p.Tile(context.Background(), tile.Key{Zoom: 2, X: 1, Y: 1, SourceID: "png"})
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if e.Pixels == nil || e.Pixels.Bounds().Dx() != 256 || e.Size != 256*256*4 {
		t.Errorf("Unexpected entry: size %d", e.Size)
	}
}

func TestCoveringKeys(t *testing.T) {
	cfg := testConfig()
	p := newPipeline(t, runtime.NewInline(), cfg)

	t.Run("visible set", func(t *testing.T) {
		visible, prefetch := p.CoveringKeys(centerView, "osm")
		if len(visible) != 4 || len(prefetch) != 0 {
			t.Fatalf("Expected 4 visible tiles, got %d (+%d prefetch)", len(visible), len(prefetch))
		}
		want := map[tile.Key]bool{}
		for _, k := range frameKeys {
			want[k] = true
		}
		for _, k := range visible {
			if !want[k] {
				t.Errorf("Unexpected key %v", k)
			}
		}
	})

	t.Run("wraps columns", func(t *testing.T) {
		visible, _ := p.CoveringKeys(Viewport{Center: orb.Point{0.25, 2}, Zoom: 2, Width: 512, Height: 256}, "osm")
		cols := map[int]bool{}
		for _, k := range visible {
			cols[k.X] = true
		}
		if len(visible) != 6 || !cols[3] || !cols[0] || !cols[1] {
			t.Errorf("Unexpected wrapped keys %v", visible)
		}
	})

	t.Run("clamps rows", func(t *testing.T) {
		visible, _ := p.CoveringKeys(Viewport{Center: orb.Point{2, 0.2}, Zoom: 2, Width: 256, Height: 256}, "osm")
		if len(visible) != 2 {
			t.Fatalf("Expected 2 keys, got %v", visible)
		}
		for _, k := range visible {
			if k.Y != 0 {
				t.Errorf("Unexpected row in %v", k)
			}
		}
	})

	t.Run("prefetch ring", func(t *testing.T) {
		cfg := testConfig()
		cfg.PrefetchMargin = 1
		pp := newPipeline(t, runtime.NewInline(), cfg)
		visible, prefetch := pp.CoveringKeys(centerView, "osm")
		if len(visible) != 4 || len(prefetch) != 12 {
			t.Errorf("Expected 4+12 keys, got %d+%d", len(visible), len(prefetch))
		}
	})

	t.Run("zoom clamp", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxZoom = 2
		pp := newPipeline(t, runtime.NewInline(), cfg)
		visible, _ := pp.CoveringKeys(Viewport{Center: orb.Point{1, 1}, Zoom: 7.6, Width: 100, Height: 100}, "osm")
		for _, k := range visible {
			if k.Zoom != 2 {
				t.Errorf("Expected zoom clamped to 2, got %d", k.Zoom)
			}
		}
	})
}

func TestPredictivePrefetch(t *testing.T) {
	clock := runtime.NewManualClock(time.Unix(0, 0))
	cfg := testConfig()
	cfg.PredictAhead = time.Second
	p := newPipeline(t, runtime.NewInline(runtime.WithClock(clock)), cfg)
	f := newCountingFetcher()
	p.SetSource("osm", f)

	p.SetViewport(centerView)
	if n := f.total(); n != 4 {
		t.Fatalf("A single view should fetch only its 4 tiles, got %d", n)
	}

	// Moving one tile per second to the east.
	clock.Advance(500 * time.Millisecond)
	p.SetViewport(Viewport{Center: orb.Point{2.5, 2}, Zoom: 3, Width: 256, Height: 256})

	ahead := []tile.Key{
		{Zoom: 3, X: 3, Y: 1, SourceID: "osm"},
		{Zoom: 3, X: 3, Y: 2, SourceID: "osm"},
		{Zoom: 2, X: 3, Y: 1, SourceID: "osm"},
		{Zoom: 4, X: 3, Y: 2, SourceID: "osm"},
	}
	for _, k := range ahead {
		if n := f.count(k); n != 1 {
			t.Errorf("Predicted tile %v fetched %d times, want 1", k, n)
		}
	}
	if n := len(p.FrameKeys()); n != 2 {
		t.Errorf("Predicted tiles leaked into the frame: %d visible keys", n)
	}
	if f.count(tile.Key{Zoom: 3, X: 0, Y: 1, SourceID: "osm"}) != 0 {
		t.Error("Fetched a tile behind the movement")
	}
}

func TestMovementPrediction(t *testing.T) {
	start := time.Unix(0, 0)
	var m movement
	at := func(d time.Duration, x float64) {
		m.observe(Viewport{Center: orb.Point{x, 0}, Zoom: 3, Width: 1, Height: 1}, start.Add(d))
	}

	at(0, 0)
	if _, ok := m.predict(time.Second); ok {
		t.Fatal("Predicted from a single sample")
	}
	at(time.Second, 0.001)
	if _, ok := m.predict(time.Second); ok {
		t.Error("Predicted from a barely moving view")
	}
	at(2*time.Second, 1)
	c, ok := m.predict(time.Second)
	if !ok || math.Abs(c[0]-1.5) > 1e-9 || c[1] != 0 {
		t.Errorf("Expected prediction at (1.5, 0), got %v %v", c, ok)
	}
	if _, ok := m.predict(0); ok {
		t.Error("Zero look-ahead should disable prediction")
	}

	at(10*time.Second, 1)
	if _, ok := m.predict(time.Second); ok {
		t.Error("Samples older than the window were used")
	}
}

func TestViewportValidate(t *testing.T) {
	tests := []struct {
		name string
		vp   Viewport
		ok   bool
	}{
		{"valid", centerView, true},
		{"zero width", Viewport{Center: orb.Point{1, 1}, Zoom: 3, Height: 10}, false},
		{"nan zoom", Viewport{Center: orb.Point{1, 1}, Zoom: math.NaN(), Width: 10, Height: 10}, false},
		{"nan center", Viewport{Center: orb.Point{math.NaN(), 1}, Zoom: 3, Width: 10, Height: 10}, false},
		{"infinite lon", Viewport{Center: orb.Point{math.Inf(1), 1}, Zoom: 3, Width: 10, Height: 10}, false},
		{"infinite lat", Viewport{Center: orb.Point{1, math.Inf(-1)}, Zoom: 3, Width: 10, Height: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.vp.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestWebMercator(t *testing.T) {
	var proj WebMercator
	f := proj.TileFraction(orb.Point{0, 0}, 1)
	if math.Abs(f[0]-1) > 1e-9 || math.Abs(f[1]-1) > 1e-9 {
		t.Errorf("Origin at zoom 1 should be (1, 1), got %v", f)
	}
	for _, pt := range []orb.Point{{13.4, 52.5}, {-122.4, 37.8}, {151.2, -33.9}} {
		back := proj.Point(proj.TileFraction(pt, 10), 10)
		if math.Abs(back[0]-pt[0]) > 1e-6 || math.Abs(back[1]-pt[1]) > 1e-6 {
			t.Errorf("Round trip of %v gave %v", pt, back)
		}
	}
}

func TestClusters(t *testing.T) {
	p := newPipeline(t, runtime.NewInline(), testConfig())
	p.SetViewport(centerView)

	p.SetMarkers([]compute.Marker{
		{ID: "a", Point: orb.Point{1.9, 1.9}},
		{ID: "b", Point: orb.Point{1.91, 1.91}},
		{ID: "c", Point: orb.Point{2.4, 2.4}},
		{ID: "far", Point: orb.Point{7, 7}},
	})

	clusters := p.CurrentClusters()
	if len(clusters) != 2 {
		t.Fatalf("Expected 2 clusters, got %d: %+v", len(clusters), clusters)
	}
	members := 0
	for _, c := range clusters {
		members += len(c.Members)
		if c.Center[0] < 1.5 || c.Center[0] > 2.5 {
			t.Errorf("Cluster center %v outside the view", c.Center)
		}
	}
	if members != 3 {
		t.Errorf("Expected 3 markers in view, got %d", members)
	}

	if !p.RemoveMarker("c") {
		t.Fatal("RemoveMarker failed")
	}
	if n := len(p.CurrentClusters()); n != 1 {
		t.Errorf("Expected 1 cluster after removal, got %d", n)
	}
}

func TestMarkerSnapshotSharedAcrossViewports(t *testing.T) {
	p := newPipeline(t, runtime.NewInline(), testConfig())
	p.SetMarkers([]compute.Marker{{ID: "a", Point: orb.Point{1.9, 1.9}}})
	p.SetViewport(centerView)

	p.mu.Lock()
	first := p.markerSnap
	p.mu.Unlock()
	if first == nil {
		t.Fatal("No marker snapshot after clustering")
	}

	p.SetViewport(Viewport{Center: orb.Point{2.2, 2.2}, Zoom: 3, Width: 256, Height: 256})
	p.mu.Lock()
	again := p.markerSnap
	p.mu.Unlock()
	if again != first {
		t.Error("Moving the view copied the marker index")
	}

	p.AddMarker(compute.Marker{ID: "b", Point: orb.Point{2.1, 2.1}})
	p.mu.Lock()
	changed := p.markerSnap
	p.mu.Unlock()
	if changed == first || changed.Len() != 2 {
		t.Error("Marker change did not refresh the snapshot")
	}
	if first.Len() != 1 {
		t.Error("Existing snapshot saw a later insert")
	}
}

func TestMarkersNear(t *testing.T) {
	p := newPipeline(t, runtime.NewInline(), testConfig())
	p.SetMarkers([]compute.Marker{
		{ID: "b", Point: orb.Point{1, 0}},
		{ID: "a", Point: orb.Point{0, 0.5}},
		{ID: "far", Point: orb.Point{3, 3}},
	})

	got := p.MarkersNear(orb.Point{0, 0}, 1)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("Expected markers a and b, got %+v", got)
	}
	if got[1].Point != (orb.Point{1, 0}) {
		t.Errorf("Marker b at %v", got[1].Point)
	}
	if n := len(p.MarkersNear(orb.Point{10, 10}, 1)); n != 0 {
		t.Errorf("Expected no markers, got %d", n)
	}
}

func TestViewportOnCooperativeRuntime(t *testing.T) {
	rt := runtime.NewCooperative(4)
	defer rt.Close()
	p := newPipeline(t, rt, testConfig())
	f := newCountingFetcher()
	p.SetSource("osm", f)

	if err := p.SetViewport(centerView); err != nil {
		t.Fatal(err)
	}
	p.SetMarkers([]compute.Marker{
		{ID: "a", Point: orb.Point{1.9, 1.9}},
		{ID: "b", Point: orb.Point{1.91, 1.91}},
		{ID: "c", Point: orb.Point{2.4, 2.4}},
	})

	eventually(t, "frame tiles", func() bool { return allCompleted(p.CurrentFrameTiles()) })
	for _, k := range frameKeys {
		if n := f.count(k); n != 1 {
			t.Errorf("Tile %v fetched %d times, want 1", k, n)
		}
	}
	eventually(t, "clusters", func() bool { return len(p.CurrentClusters()) == 2 })

	e, err := p.Tile(context.Background(), frameKeys[0])
	if err != nil || e.Pixels == nil {
		t.Errorf("Tile = %v, %v", e.Key, err)
	}
}

func TestImportGeoJSON(t *testing.T) {
	p := newPipeline(t, runtime.NewInline(), testConfig())
	p.SetViewport(centerView)

	doc := []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","id":"x","geometry":{"type":"Point","coordinates":[2.1,2.1]},"properties":{}},
		{"type":"Feature","id":"y","geometry":{"type":"Point","coordinates":[1.6,2.4]},"properties":{}}]}`)
	n, err := p.ImportGeoJSON(doc).Wait(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("ImportGeoJSON = %d, %v", n, err)
	}
	if p.Stats().Markers != 2 {
		t.Errorf("Expected 2 markers, got %d", p.Stats().Markers)
	}

	_, err = p.ImportGeoJSON([]byte(`{"type":`)).Wait(context.Background())
	if !errors.Is(err, tile.ErrParse) {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Budget.MaxEntries = 0
	cfg.Queue.MaxLen = -1
	cfg.Scheduler.MaxConcurrentFetches = 0
	cfg.MinZoom = 5
	cfg.MaxZoom = 2
	err := cfg.Validate()
	if n := len(multierr.Errors(err)); n != 4 {
		t.Errorf("Expected 4 violations, got %d: %v", n, err)
	}

	if _, err := New(runtime.NewInline(), cfg); err == nil {
		t.Error("New should reject an invalid config")
	}
}

func TestClosedPipeline(t *testing.T) {
	p := newPipeline(t, runtime.NewInline(), testConfig())
	p.SetSource("osm", newCountingFetcher())
	p.SetViewport(centerView)
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.SetViewport(centerView); !errors.Is(err, runtime.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
