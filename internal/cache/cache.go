// Package cache holds decoded tiles under an entry and byte budget, with
// least-recently-used eviction, in-flight de-duplication and a cooldown for
// failed keys.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gigamap/internal/metrics"
	"gigamap/internal/runtime"
	"gigamap/internal/tile"
)

// Entry is a decoded tile. Pixels is dropped once the renderer attaches a
// texture.
type Entry struct {
	Key        tile.Key
	Pixels     *image.RGBA
	Texture    any
	Size       int64
	LastAccess time.Time
	Valid      bool
}

type Status int

const (
	Absent Status = iota
	Pending
	InFlight
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "absent"
	}
}

// State is the fetch state of one key.
type State struct {
	Status Status
	Entry  Entry
	Err    error
}

func (s State) Kind() tile.ErrorKind {
	return tile.KindOf(s.Err)
}

type Budget struct {
	MaxEntries int
	MaxBytes   int64
}

func (b Budget) Validate() error {
	var err error
	if b.MaxEntries <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_entries must be positive, got %d", b.MaxEntries))
	}
	if b.MaxBytes <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_bytes must be positive, got %d", b.MaxBytes))
	}
	return err
}

type Options struct {
	FailureCooldown time.Duration
	Clock           runtime.Clock
	Logger          *zap.Logger
}

// StartFunc begins fetching key and returns a handle to the decoded entry.
// The cache calls it at most once per miss.
type StartFunc func(key tile.Key) *runtime.Handle[Entry]

type flight struct {
	key     tile.Key
	handle  *runtime.Handle[Entry]
	waiters map[*runtime.Handle[Entry]]struct{}
	running bool
}

type failure struct {
	err   error
	until time.Time
}

type Stats struct {
	Entries   int
	Bytes     int64
	InFlight  int
	Failures  int
	Hits      uint64
	Misses    uint64
	Joins     uint64
	Evictions uint64
	Uncached  uint64
}

type Cache struct {
	budget   Budget
	cooldown time.Duration
	clock    runtime.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	entries  map[tile.Key]*list.Element
	lru      *list.List // front is most recently used
	bytes    int64
	flights  map[tile.Key]*flight
	failures map[tile.Key]failure
	pins     map[tile.Key]map[*runtime.Handle[Entry]]struct{}
	stats    Stats
}

func New(budget Budget, opts Options) (*Cache, error) {
	err := budget.Validate()
	if opts.FailureCooldown <= 0 {
		err = multierr.Append(err, fmt.Errorf("failure_cooldown must be positive, got %s", opts.FailureCooldown))
	}
	if err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	if opts.Clock == nil {
		return nil, errors.New("cache requires a clock")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		budget:   budget,
		cooldown: opts.FailureCooldown,
		clock:    opts.Clock,
		logger:   opts.Logger,
		entries:  make(map[tile.Key]*list.Element),
		lru:      list.New(),
		flights:  make(map[tile.Key]*flight),
		failures: make(map[tile.Key]failure),
		pins:     make(map[tile.Key]map[*runtime.Handle[Entry]]struct{}),
	}, nil
}

// Get returns a resident entry without ever starting a fetch.
func (c *Cache) Get(key tile.Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return c.touchLocked(el), true
}

func (c *Cache) touchLocked(el *list.Element) Entry {
	e := el.Value.(*Entry)
	e.LastAccess = c.clock.Now()
	c.lru.MoveToFront(el)
	return *e
}

// GetOrFetch resolves immediately for resident keys, joins a fetch already
// in flight for key, reports a recent failure without refetching, and
// otherwise calls start once. The returned handle pins key against eviction
// until it is cancelled.
func (c *Cache) GetOrFetch(key tile.Key, start StartFunc) *runtime.Handle[Entry] {
	if err := key.Validate(); err != nil {
		return runtime.Resolved(Entry{}, err)
	}

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		e := c.touchLocked(el)
		h := c.newHandleLocked(key)
		c.stats.Hits++
		c.mu.Unlock()

		metrics.CacheLookups.WithLabelValues("hit").Inc()
		h.Resolve(e, nil)
		return h
	}

	if f, ok := c.flights[key]; ok {
		h := c.newHandleLocked(key)
		f.waiters[h] = struct{}{}
		c.stats.Joins++
		c.mu.Unlock()

		metrics.CacheLookups.WithLabelValues("joined").Inc()
		h.OnCancel(func() { c.dropWaiter(f, h) })
		return h
	}

	if fl, ok := c.failures[key]; ok {
		if c.clock.Now().Before(fl.until) {
			c.mu.Unlock()
			metrics.CacheLookups.WithLabelValues("failed").Inc()
			return runtime.Resolved(Entry{}, fl.err)
		}
		delete(c.failures, key)
	}

	f := &flight{key: key, waiters: make(map[*runtime.Handle[Entry]]struct{})}
	c.flights[key] = f
	h := c.newHandleLocked(key)
	f.waiters[h] = struct{}{}
	c.stats.Misses++
	c.mu.Unlock()

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	h.OnCancel(func() { c.dropWaiter(f, h) })

	underlying := start(key)

	c.mu.Lock()
	live := c.flights[key] == f
	if live {
		f.handle = underlying
	}
	c.mu.Unlock()
	if !live {
		underlying.Cancel()
		return h
	}
	underlying.OnComplete(func(e Entry, err error) { c.complete(f, e, err) })
	return h
}

// newHandleLocked creates a caller handle that pins key until cancelled.
func (c *Cache) newHandleLocked(key tile.Key) *runtime.Handle[Entry] {
	h := runtime.NewHandle[Entry](context.Background())
	set, ok := c.pins[key]
	if !ok {
		set = make(map[*runtime.Handle[Entry]]struct{})
		c.pins[key] = set
	}
	set[h] = struct{}{}
	h.OnCancel(func() {
		c.mu.Lock()
		c.unpinLocked(key, h)
		c.mu.Unlock()
	})
	return h
}

func (c *Cache) unpinLocked(key tile.Key, h *runtime.Handle[Entry]) {
	set, ok := c.pins[key]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(c.pins, key)
	}
}

// dropWaiter forgets a cancelled waiter. The fetch itself is cancelled once
// nobody waits for it.
func (c *Cache) dropWaiter(f *flight, h *runtime.Handle[Entry]) {
	c.mu.Lock()
	delete(f.waiters, h)
	abandon := c.flights[f.key] == f && len(f.waiters) == 0 && f.handle != nil
	underlying := f.handle
	c.mu.Unlock()

	if abandon {
		underlying.Cancel()
	}
}

// MarkInFlight records that the fetch for key has left the queue.
func (c *Cache) MarkInFlight(key tile.Key) {
	c.mu.Lock()
	if f, ok := c.flights[key]; ok {
		f.running = true
	}
	c.mu.Unlock()
}

func (c *Cache) complete(f *flight, e Entry, err error) {
	c.mu.Lock()
	if c.flights[f.key] != f {
		// Invalidated while in flight; waiters were already released.
		c.mu.Unlock()
		return
	}
	delete(c.flights, f.key)
	waiters := make([]*runtime.Handle[Entry], 0, len(f.waiters))
	for w := range f.waiters {
		waiters = append(waiters, w)
	}

	if err == nil {
		e.Key = f.key
		e.Valid = true
		e.LastAccess = c.clock.Now()
		if !c.insertLocked(&e) {
			c.stats.Uncached++
			c.logger.Debug("Tile not retained, budget held by pinned entries",
				zap.Stringer("key", f.key), zap.Int64("size", e.Size))
		}
	} else {
		err = tile.Wrap(tile.NetworkError, f.key, err)
		switch tile.KindOf(err) {
		case tile.QueueFull, tile.Cancelled:
			// Dropped work is not a tile failure; the next request retries.
		default:
			c.failures[f.key] = failure{err: err, until: c.clock.Now().Add(c.cooldown)}
		}
		for _, w := range waiters {
			c.unpinLocked(f.key, w)
		}
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	for _, w := range waiters {
		w.Resolve(e, err)
	}
}

// insertLocked makes e resident, evicting least recently used unpinned
// entries as needed. It reports false, changing nothing, when e cannot fit.
func (c *Cache) insertLocked(e *Entry) bool {
	if old, ok := c.entries[e.Key]; ok {
		c.removeLocked(old)
	}
	if e.Size > c.budget.MaxBytes {
		return false
	}

	count, bytes := len(c.entries)+1, c.bytes+e.Size
	var victims []*list.Element
	for el := c.lru.Back(); el != nil && (count > c.budget.MaxEntries || bytes > c.budget.MaxBytes); el = el.Prev() {
		v := el.Value.(*Entry)
		if c.pinnedLocked(v.Key) {
			continue
		}
		victims = append(victims, el)
		count--
		bytes -= v.Size
	}
	if count > c.budget.MaxEntries || bytes > c.budget.MaxBytes {
		return false
	}

	for _, el := range victims {
		c.logger.Debug("Evicting tile", zap.Stringer("key", el.Value.(*Entry).Key))
		c.removeLocked(el)
		c.stats.Evictions++
		metrics.CacheEvictions.Inc()
	}
	c.entries[e.Key] = c.lru.PushFront(e)
	c.bytes += e.Size
	return true
}

func (c *Cache) pinnedLocked(key tile.Key) bool {
	return len(c.pins[key]) > 0
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.lru.Remove(el).(*Entry)
	delete(c.entries, e.Key)
	c.bytes -= e.Size
}

func (c *Cache) updateGaugesLocked() {
	metrics.CacheEntries.Set(float64(len(c.entries)))
	metrics.CacheBytes.Set(float64(c.bytes))
}

// Invalidate removes every entry and failure of sourceID and cancels its
// fetches. Waiters receive a Cancelled error.
func (c *Cache) Invalidate(sourceID string) int {
	c.mu.Lock()
	removed := 0
	for key, el := range c.entries {
		if key.SourceID == sourceID {
			c.removeLocked(el)
			removed++
		}
	}
	for key := range c.failures {
		if key.SourceID == sourceID {
			delete(c.failures, key)
		}
	}
	var flights []*flight
	for key, f := range c.flights {
		if key.SourceID == sourceID {
			delete(c.flights, key)
			flights = append(flights, f)
			for w := range f.waiters {
				c.unpinLocked(key, w)
			}
		}
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	for _, f := range flights {
		if f.handle != nil {
			f.handle.Cancel()
		}
		err := &tile.Error{Kind: tile.Cancelled, Key: f.key, Err: fmt.Errorf("source %s invalidated", sourceID)}
		for w := range f.waiters {
			w.Resolve(Entry{}, err)
		}
	}
	c.logger.Info("Source invalidated",
		zap.String("source", sourceID),
		zap.Int("entries", removed),
		zap.Int("fetches_cancelled", len(flights)),
	)
	return removed
}

// ClearFailure forgets a recorded failure so the next request refetches.
func (c *Cache) ClearFailure(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.failures[key]
	delete(c.failures, key)
	return ok
}

// SweepFailures drops failure records whose cooldown has passed.
func (c *Cache) SweepFailures() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, fl := range c.failures {
		if !now.Before(fl.until) {
			delete(c.failures, key)
			n++
		}
	}
	return n
}

// AttachTexture swaps an entry's pixels for a renderer texture of the given
// size, evicting least recently used unpinned entries if the new size
// overflows the budget. It reports false, changing nothing, when the key is
// not resident or the swap cannot fit without evicting pinned entries.
func (c *Cache) AttachTexture(key tile.Key, texture any, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok || size > c.budget.MaxBytes {
		return false
	}
	e := el.Value.(*Entry)

	bytes := c.bytes + size - e.Size
	var victims []*list.Element
	for cur := c.lru.Back(); cur != nil && bytes > c.budget.MaxBytes; cur = cur.Prev() {
		v := cur.Value.(*Entry)
		if v.Key == key || c.pinnedLocked(v.Key) {
			continue
		}
		victims = append(victims, cur)
		bytes -= v.Size
	}
	if bytes > c.budget.MaxBytes {
		c.logger.Debug("Texture rejected, budget held by pinned entries",
			zap.Stringer("key", key), zap.Int64("size", size))
		return false
	}

	for _, v := range victims {
		c.removeLocked(v)
		c.stats.Evictions++
		metrics.CacheEvictions.Inc()
	}
	c.bytes += size - e.Size
	e.Pixels = nil
	e.Texture = texture
	e.Size = size
	c.lru.MoveToFront(el)
	c.updateGaugesLocked()
	return true
}

func (c *Cache) stateLocked(key tile.Key, now time.Time) State {
	if el, ok := c.entries[key]; ok {
		return State{Status: Completed, Entry: *el.Value.(*Entry)}
	}
	if f, ok := c.flights[key]; ok {
		if f.running {
			return State{Status: InFlight}
		}
		return State{Status: Pending}
	}
	if fl, ok := c.failures[key]; ok && now.Before(fl.until) {
		return State{Status: Failed, Err: fl.err}
	}
	return State{Status: Absent}
}

func (c *Cache) State(key tile.Key) State {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(key, now)
}

// Snapshot reports the state of every key under one lock.
func (c *Cache) Snapshot(keys []tile.Key) map[tile.Key]State {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[tile.Key]State, len(keys))
	for _, k := range keys {
		out[k] = c.stateLocked(k, now)
	}
	return out
}

// Keys lists resident keys from most to least recently used.
func (c *Cache) Keys() []tile.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]tile.Key, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry).Key)
	}
	return out
}

func (c *Cache) Stats() Stats {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Entries = len(c.entries)
	st.Bytes = c.bytes
	st.InFlight = len(c.flights)
	for _, fl := range c.failures {
		if now.Before(fl.until) {
			st.Failures++
		}
	}
	return st
}
