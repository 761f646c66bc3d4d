// Package pipeline turns viewports into cached, decoded tiles. It computes
// the tiles a viewport needs, requests misses through the cache, runs fetch
// and decode through the scheduler and keeps the marker clusters of the
// current view up to date.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigamap/internal/background"
	"gigamap/internal/cache"
	"gigamap/internal/compute"
	"gigamap/internal/decode"
	"gigamap/internal/metrics"
	"gigamap/internal/runtime"
	"gigamap/internal/scheduler"
	"gigamap/internal/source"
	"gigamap/internal/spatial"
	"gigamap/internal/tasks"
	"gigamap/internal/tile"
)

type Option func(*Pipeline)

func WithDecoder(d decode.Decoder) Option {
	return func(p *Pipeline) { p.decoder = d }
}

func WithProjection(proj Projection) Option {
	return func(p *Pipeline) { p.proj = proj }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// invalidator is implemented by sources that keep their own copy of tiles.
type invalidator interface {
	Invalidate(ctx context.Context, sourceID string) error
}

type Stats struct {
	Sources    []string        `json:"sources"`
	FrameTiles int             `json:"frame_tiles"`
	Requested  int             `json:"requested"`
	Markers    int             `json:"markers"`
	Clusters   int             `json:"clusters"`
	Cache      cache.Stats     `json:"cache"`
	Scheduler  scheduler.Stats `json:"scheduler"`
}

type Pipeline struct {
	rt      runtime.Runtime
	cfg     Config
	logger  *zap.Logger
	decoder decode.Decoder
	proj    Projection

	cache   *cache.Cache
	sched   *scheduler.Scheduler
	bg      *background.Service
	sources *source.Registry

	mu          sync.Mutex
	viewport    Viewport
	hasViewport bool
	motion      movement
	frame       []tile.Key
	want        map[tile.Key]bool
	handles     map[tile.Key]*runtime.Handle[cache.Entry]
	markers     *spatial.RTree
	markerSnap  *spatial.Snapshot
	points      map[string]orb.Point
	clusters    []compute.Cluster
	clusterGen  uint64
	clusterJobs []func()
	closed      bool
}

func New(rt runtime.Runtime, cfg Config, opts ...Option) (*Pipeline, error) {
	if rt == nil {
		return nil, errors.New("pipeline requires a runtime")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	p := &Pipeline{
		rt:      rt,
		cfg:     cfg,
		proj:    WebMercator{},
		sources: source.NewRegistry(),
		want:    make(map[tile.Key]bool),
		handles: make(map[tile.Key]*runtime.Handle[cache.Entry]),
		markers: spatial.New(16),
		points:  make(map[string]orb.Point),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.decoder == nil {
		p.decoder = decode.NewImageDecoder(cfg.TileSize)
	}

	c, err := cache.New(cfg.Budget, cache.Options{
		FailureCooldown: cfg.FailureCooldown,
		Clock:           rt,
		Logger:          p.logger.Named("cache"),
	})
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(rt, cfg.Queue, cfg.Scheduler, p.logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}
	p.cache = c
	p.sched = sched
	sched.Register(tasks.Fetch, p.handleFetch)
	sched.Register(tasks.Decode, p.handleDecode)
	p.bg = background.New(sched, rt, p.logger.Named("background"))
	return p, nil
}

func (p *Pipeline) Cache() *cache.Cache { return p.cache }

func (p *Pipeline) Scheduler() *scheduler.Scheduler { return p.sched }

func (p *Pipeline) Background() *background.Service { return p.bg }

func (p *Pipeline) Config() Config { return p.cfg }

// SetSource registers or replaces a tile source. Replacing a source drops
// everything cached for it.
func (p *Pipeline) SetSource(id string, f source.Fetcher) error {
	if id == "" {
		return errors.New("source id must not be empty")
	}
	if f == nil {
		return fmt.Errorf("source %s has no fetcher", id)
	}
	if p.sources.Set(id, f) {
		p.dropSource(id)
	}
	p.logger.Info("Tile source registered", zap.String("source", id))
	p.refresh()
	return nil
}

func (p *Pipeline) RemoveSource(id string) bool {
	if !p.sources.Remove(id) {
		return false
	}
	p.dropSource(id)
	p.logger.Info("Tile source removed", zap.String("source", id))
	p.refresh()
	return true
}

// Invalidate discards every cached tile of a source and requests the
// current view again.
func (p *Pipeline) Invalidate(ctx context.Context, id string) error {
	f, ok := p.sources.Get(id)
	if !ok {
		return tile.Errorf(tile.InvalidKey, tile.Key{SourceID: id}, "unknown source %q", id)
	}
	var err error
	if inv, ok := f.(invalidator); ok {
		err = inv.Invalidate(ctx, id)
	}
	p.dropSource(id)
	p.refresh()
	return err
}

// dropSource invalidates the cache for id and releases our handles on it.
func (p *Pipeline) dropSource(id string) {
	p.cache.Invalidate(id)

	p.mu.Lock()
	var stale []*runtime.Handle[cache.Entry]
	for key, h := range p.handles {
		if key.SourceID == id {
			stale = append(stale, h)
			delete(p.handles, key)
		}
	}
	p.mu.Unlock()

	for _, h := range stale {
		h.Cancel()
	}
}

// SetViewport requests every tile the viewport needs from every source.
// Visible tiles are requested at Interactive priority, the prefetch ring and
// the tiles of the view the movement is heading to at Low. Tiles that are
// still in flight from an earlier viewport are not requested twice.
func (p *Pipeline) SetViewport(vp Viewport) error {
	if err := vp.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return runtime.ErrClosed
	}
	p.viewport = vp
	p.hasViewport = true
	p.motion.observe(vp, p.rt.Now())
	p.mu.Unlock()

	p.refresh()
	p.refreshClusters()
	return nil
}

type request struct {
	key      tile.Key
	priority tasks.Priority
}

// refresh recomputes the wanted set for the current viewport and requests
// whatever is missing.
func (p *Pipeline) refresh() {
	p.mu.Lock()
	if !p.hasViewport || p.closed {
		p.mu.Unlock()
		return
	}
	vp := p.viewport
	heading, predicted := p.motion.predict(p.cfg.PredictAhead)
	p.mu.Unlock()

	var frame []tile.Key
	var reqs []request
	want := make(map[tile.Key]bool)
	add := func(keys []tile.Key, priority tasks.Priority) {
		for _, k := range keys {
			if !want[k] {
				want[k] = true
				reqs = append(reqs, request{k, priority})
			}
		}
	}
	for _, id := range p.sources.IDs() {
		visible, prefetch := p.CoveringKeys(vp, id)
		frame = append(frame, visible...)
		add(visible, tasks.Interactive)
		add(prefetch, tasks.Low)
		if predicted {
			add(p.PredictedKeys(vp, heading, id), tasks.Low)
		}
	}

	p.mu.Lock()
	if p.viewport != vp {
		// A newer viewport is being applied.
		p.mu.Unlock()
		return
	}
	p.frame = frame
	p.want = want
	var release []*runtime.Handle[cache.Entry]
	for key, h := range p.handles {
		// Pending work for keys that left the view is kept so panning back
		// joins it; finished handles only pin memory.
		if !want[key] && h.IsFinished() {
			release = append(release, h)
			delete(p.handles, key)
		}
	}
	missing := reqs[:0]
	for _, r := range reqs {
		if _, ok := p.handles[r.key]; !ok {
			missing = append(missing, r)
		}
	}
	p.mu.Unlock()

	for _, h := range release {
		h.Cancel()
	}
	for _, r := range missing {
		p.request(r.key, r.priority)
	}
	p.logger.Debug("Viewport applied",
		zap.Int("visible", len(frame)),
		zap.Bool("predicted", predicted),
		zap.Int("requested", len(missing)),
		zap.Int("released", len(release)))
}

func (p *Pipeline) request(key tile.Key, priority tasks.Priority) {
	h := p.cache.GetOrFetch(key, p.starter(priority))

	p.mu.Lock()
	_, dup := p.handles[key]
	if dup || !p.want[key] || p.closed {
		p.mu.Unlock()
		h.Cancel()
		return
	}
	p.handles[key] = h
	p.mu.Unlock()

	h.OnComplete(func(_ cache.Entry, err error) { p.settle(key, h, err) })
}

// settle keeps a resolved handle only while its key is wanted and the
// result is usable. Failed keys are forgotten so a later viewport can
// request them once the cooldown passes.
func (p *Pipeline) settle(key tile.Key, h *runtime.Handle[cache.Entry], err error) {
	p.mu.Lock()
	current := p.handles[key] == h
	keep := current && err == nil && p.want[key]
	if current && !keep {
		delete(p.handles, key)
	}
	p.mu.Unlock()

	if !keep {
		h.Cancel()
	}
	if err != nil && tile.KindOf(err) != tile.Cancelled {
		p.logger.Warn("Tile failed",
			zap.String("source", key.SourceID),
			zap.Int("z", key.Zoom), zap.Int("x", key.X), zap.Int("y", key.Y),
			zap.Error(err))
	}
}

// starter returns the cache start function for one priority. It chains a
// Fetch task into a Decode task and retries failed attempts.
func (p *Pipeline) starter(priority tasks.Priority) cache.StartFunc {
	return func(key tile.Key) *runtime.Handle[cache.Entry] {
		out := runtime.NewHandle[cache.Entry](context.Background())
		p.attempt(out, key, priority, 0)
		return out
	}
}

func (p *Pipeline) attempt(out *runtime.Handle[cache.Entry], key tile.Key, priority tasks.Priority, n int) {
	if out.IsFinished() {
		return
	}
	fetch := p.sched.Submit(tasks.New(priority, p.rt.Now(), tasks.FetchPayload{Key: key, Attempt: n}))
	out.OnCancel(fetch.Cancel)
	fetch.OnComplete(func(v any, err error) {
		if err != nil {
			p.fail(out, key, n, err,
				func() { p.attempt(out, key, priority, n) },
				func() { p.attempt(out, key, priority, n+1) })
			return
		}
		p.decode(out, key, priority, n, v.([]byte))
	})
}

func (p *Pipeline) decode(out *runtime.Handle[cache.Entry], key tile.Key, priority tasks.Priority, n int, data []byte) {
	if out.IsFinished() {
		return
	}
	dec := p.sched.Submit(tasks.New(priority, p.rt.Now(), tasks.DecodePayload{Key: key, Data: data}))
	out.OnCancel(dec.Cancel)
	dec.OnComplete(func(v any, err error) {
		if err != nil {
			p.fail(out, key, n, err,
				func() { p.decode(out, key, priority, n, data) },
				func() { p.attempt(out, key, priority, n+1) })
			return
		}
		out.Resolve(v.(cache.Entry), nil)
	})
}

// fail decides what happens after a failed step. Work the queue dropped is
// submitted again as a fresh descriptor by resubmit, so a tile someone still
// waits for is never failed by load shedding. Other failures are retried by
// retry until MaxAutoRetries is spent. Both wait RetryDelay first.
func (p *Pipeline) fail(out *runtime.Handle[cache.Entry], key tile.Key, n int, err error, resubmit, retry func()) {
	if out.IsFinished() {
		return
	}
	switch {
	case dropped(err):
		metrics.FetchResubmits.Inc()
		p.logger.Debug("Resubmitting dropped tile work", zap.Stringer("key", key), zap.Error(err))
		p.later(out, resubmit)
		return
	case retryable(err) && n < p.cfg.MaxAutoRetries:
		metrics.FetchRetries.Inc()
		p.logger.Debug("Retrying tile",
			zap.Stringer("key", key),
			zap.Int("attempt", n+1),
			zap.Error(err))
		p.later(out, retry)
		return
	}
	out.Resolve(cache.Entry{}, tile.Wrap(tile.NetworkError, key, err))
}

// later runs next after RetryDelay unless out finishes first.
func (p *Pipeline) later(out *runtime.Handle[cache.Entry], next func()) {
	stop := runtime.After(p.rt, p.cfg.RetryDelay, func() {
		if !out.IsFinished() {
			next()
		}
	})
	out.OnCancel(func() { stop() })
}

// dropped reports whether err is the queue giving up on a descriptor, as
// opposed to the scheduler or runtime shutting down.
func dropped(err error) bool {
	switch tile.KindOf(err) {
	case tile.Cancelled, tile.QueueFull:
		return !errors.Is(err, runtime.ErrClosed)
	}
	return false
}

// retryable reports whether another attempt could succeed. Cancelled and
// malformed requests are final.
func retryable(err error) bool {
	switch tile.KindOf(err) {
	case tile.Cancelled, tile.QueueFull, tile.InvalidKey:
		return false
	}
	return true
}

func (p *Pipeline) handleFetch(ctx context.Context, d tasks.Descriptor) (any, error) {
	key := d.Payload.(tasks.FetchPayload).Key
	f, ok := p.sources.Get(key.SourceID)
	if !ok {
		return nil, tile.Errorf(tile.InvalidKey, key, "unknown source %q", key.SourceID)
	}
	p.cache.MarkInFlight(key)
	data, err := f.Fetch(ctx, key)
	if err != nil {
		return nil, tile.Wrap(tile.NetworkError, key, err)
	}
	return data, nil
}

func (p *Pipeline) handleDecode(ctx context.Context, d tasks.Descriptor) (any, error) {
	pl := d.Payload.(tasks.DecodePayload)
	img, err := p.decoder.Decode(ctx, pl.Key, pl.Data)
	if err != nil {
		return nil, tile.Wrap(tile.DecodeError, pl.Key, err)
	}
	return cache.Entry{Key: pl.Key, Pixels: img, Size: decode.SizeOf(img)}, nil
}

// Tile waits for one tile, fetching it at High priority if needed. The wait
// is bounded by ctx.
func (p *Pipeline) Tile(ctx context.Context, key tile.Key) (cache.Entry, error) {
	if _, ok := p.sources.Get(key.SourceID); !ok {
		return cache.Entry{}, tile.Errorf(tile.InvalidKey, key, "unknown source %q", key.SourceID)
	}
	h := p.cache.GetOrFetch(key, p.starter(tasks.High))
	defer h.Cancel()
	e, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return cache.Entry{}, &tile.Error{Kind: tile.Timeout, Key: key, Err: err}
	}
	return e, err
}

// Retry clears a recorded failure and requests the tile again if it is part
// of the current view.
func (p *Pipeline) Retry(key tile.Key) bool {
	cleared := p.cache.ClearFailure(key)

	p.mu.Lock()
	_, held := p.handles[key]
	wanted := p.want[key] && !held
	p.mu.Unlock()

	if wanted {
		p.request(key, tasks.Interactive)
	}
	return cleared
}

// CurrentFrameTiles reports the state of every visible tile. It never
// blocks on fetches.
func (p *Pipeline) CurrentFrameTiles() map[tile.Key]cache.State {
	p.mu.Lock()
	frame := append([]tile.Key(nil), p.frame...)
	held := make(map[tile.Key]*runtime.Handle[cache.Entry], len(frame))
	for _, k := range frame {
		if h, ok := p.handles[k]; ok {
			held[k] = h
		}
	}
	p.mu.Unlock()

	states := p.cache.Snapshot(frame)
	for k, st := range states {
		if st.Status != cache.Absent {
			continue
		}
		// Delivered but not retained by the cache.
		if h, ok := held[k]; ok {
			if e, err, done := h.TryResult(); done && err == nil {
				states[k] = cache.State{Status: cache.Completed, Entry: e}
			}
		}
	}
	return states
}

// FrameKeys returns the visible keys of the current frame, nearest first
// per source.
func (p *Pipeline) FrameKeys() []tile.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tile.Key(nil), p.frame...)
}

func (p *Pipeline) Viewport() (Viewport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport, p.hasViewport
}

func (p *Pipeline) Sources() []string {
	return p.sources.IDs()
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		FrameTiles: len(p.frame),
		Requested:  len(p.handles),
		Markers:    p.markers.Len(),
		Clusters:   len(p.clusters),
	}
	p.mu.Unlock()
	st.Sources = p.sources.IDs()
	st.Cache = p.cache.Stats()
	st.Scheduler = p.sched.Stats()
	return st
}

// Close releases every held tile and cancels queued work. The runtime is
// owned by the caller.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*runtime.Handle[cache.Entry], 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[tile.Key]*runtime.Handle[cache.Entry])
	jobs := p.clusterJobs
	p.clusterJobs = nil
	p.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	for _, cancel := range jobs {
		cancel()
	}
	return p.sched.Close()
}
