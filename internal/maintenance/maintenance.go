// Package maintenance runs periodic housekeeping for a pipeline: expired
// failure records are swept from the tile cache and a stats line is logged.
package maintenance

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gigamap/internal/cache"
	"gigamap/internal/pipeline"
)

type Target interface {
	Cache() *cache.Cache
	Stats() pipeline.Stats
}

type Runner struct {
	cron   *cron.Cron
	target Target
	logger *zap.Logger
}

// New registers the housekeeping job on spec, a standard five-field cron
// expression or a descriptor such as "@every 1m".
func New(spec string, target Target, logger *zap.Logger) (*Runner, error) {
	r := &Runner{
		cron:   cron.New(),
		target: target,
		logger: logger,
	}
	if _, err := r.cron.AddFunc(spec, func() { r.RunOnce() }); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	return r, nil
}

func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("Maintenance scheduler started", zap.Int("jobs", len(r.cron.Entries())))
}

// Stop halts the schedule and waits for a running job to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce performs one housekeeping pass and returns the number of failure
// records removed.
func (r *Runner) RunOnce() int {
	swept := r.target.Cache().SweepFailures()
	st := r.target.Stats()
	r.logger.Info("Pipeline maintenance",
		zap.Int("failures_swept", swept),
		zap.Int("frame_tiles", st.FrameTiles),
		zap.Int("cache_entries", st.Cache.Entries),
		zap.Int64("cache_bytes", st.Cache.Bytes),
		zap.Int("in_flight", st.Cache.InFlight),
		zap.Int("queue_len", st.Scheduler.Queue.Depth),
		zap.Int("fetch_limit", st.Scheduler.FetchLimit),
	)
	return swept
}
