package source

import (
	"context"

	"go.uber.org/zap"

	"gigamap/internal/metrics"
	"gigamap/internal/store"
	"gigamap/internal/tile"
)

// ReadThrough serves tiles from a raw byte store and falls back to the
// wrapped fetcher on a miss, saving what it fetched.
type ReadThrough struct {
	next   Fetcher
	store  store.Store
	logger *zap.Logger
}

func NewReadThrough(next Fetcher, s store.Store, logger *zap.Logger) *ReadThrough {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadThrough{next: next, store: s, logger: logger}
}

func (r *ReadThrough) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	if data, ok := r.store.Get(ctx, key); ok {
		metrics.StoreRequests.WithLabelValues(r.store.Name(), "hit").Inc()
		return data, nil
	}
	metrics.StoreRequests.WithLabelValues(r.store.Name(), "miss").Inc()

	data, err := r.next.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	r.store.Set(ctx, key, data)
	return data, nil
}

// Invalidate drops the stored tiles of one source.
func (r *ReadThrough) Invalidate(ctx context.Context, sourceID string) error {
	if err := r.store.Invalidate(ctx, sourceID); err != nil {
		r.logger.Warn("Failed to invalidate tile store", zap.String("source", sourceID), zap.Error(err))
		return err
	}
	return nil
}
