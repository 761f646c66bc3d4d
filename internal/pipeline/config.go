package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"gigamap/internal/cache"
	"gigamap/internal/queue"
	"gigamap/internal/scheduler"
	"gigamap/internal/tile"
)

type Config struct {
	Budget    cache.Budget
	Queue     queue.Config
	Scheduler scheduler.Config

	FailureCooldown time.Duration
	// MaxAutoRetries is how many times a failed fetch or decode is retried
	// before the failure is recorded.
	MaxAutoRetries int
	// RetryDelay is the wait before a failed attempt is retried, and before
	// work the queue shed or dropped as stale is submitted again.
	RetryDelay time.Duration
	// PrefetchMargin is the ring of tiles around the visible set requested
	// at low priority.
	PrefetchMargin int
	// PredictAhead is how far ahead movement is extrapolated to prefetch the
	// tiles of the predicted view. Zero disables predictive prefetch.
	PredictAhead time.Duration
	MinZoom      int
	MaxZoom      int
	TileSize     int
	// ClusterThreshold is the marker merge distance in screen pixels.
	ClusterThreshold float64
}

func DefaultConfig() Config {
	return Config{
		Budget:           cache.Budget{MaxEntries: 512, MaxBytes: 256 << 20},
		Queue:            queue.Config{MaxLen: 1024, MaxAge: 10 * time.Second},
		Scheduler:        scheduler.Config{MaxConcurrentFetches: 8, FetchTimeout: 10 * time.Second, Adaptive: true},
		FailureCooldown:  30 * time.Second,
		MaxAutoRetries:   1,
		RetryDelay:       100 * time.Millisecond,
		PrefetchMargin:   1,
		PredictAhead:     time.Second,
		MinZoom:          0,
		MaxZoom:          19,
		TileSize:         256,
		ClusterThreshold: 60,
	}
}

// Validate lists every invalid setting.
func (c Config) Validate() error {
	err := multierr.Combine(c.Budget.Validate(), c.Queue.Validate(), c.Scheduler.Validate())
	if c.FailureCooldown <= 0 {
		err = multierr.Append(err, fmt.Errorf("failure_cooldown must be positive, got %s", c.FailureCooldown))
	}
	if c.MaxAutoRetries < 0 {
		err = multierr.Append(err, fmt.Errorf("max_auto_retries must not be negative, got %d", c.MaxAutoRetries))
	}
	if c.RetryDelay <= 0 {
		err = multierr.Append(err, fmt.Errorf("retry_delay must be positive, got %s", c.RetryDelay))
	}
	if c.PrefetchMargin < 0 {
		err = multierr.Append(err, fmt.Errorf("prefetch_margin must not be negative, got %d", c.PrefetchMargin))
	}
	if c.PredictAhead < 0 {
		err = multierr.Append(err, fmt.Errorf("predict_ahead must not be negative, got %s", c.PredictAhead))
	}
	if c.MinZoom < 0 || c.MaxZoom > tile.MaxZoom || c.MinZoom > c.MaxZoom {
		err = multierr.Append(err, fmt.Errorf("zoom range [%d, %d] must lie within [0, %d]", c.MinZoom, c.MaxZoom, tile.MaxZoom))
	}
	if c.TileSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("tile_size must be positive, got %d", c.TileSize))
	}
	if c.ClusterThreshold <= 0 {
		err = multierr.Append(err, fmt.Errorf("cluster_threshold must be positive, got %v", c.ClusterThreshold))
	}
	return err
}
