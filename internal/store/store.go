// Package store keeps raw, undecoded tile bytes so repeated fetches of the
// same tile can skip the network.
package store

import (
	"context"

	"gigamap/internal/tile"
)

type Store interface {
	Get(ctx context.Context, key tile.Key) ([]byte, bool)
	Set(ctx context.Context, key tile.Key, value []byte)
	Has(ctx context.Context, key tile.Key) bool // Check if tile exists without reading it
	// Invalidate removes every tile of one source.
	Invalidate(ctx context.Context, sourceID string) error
	Clear(ctx context.Context) error
	Name() string
	Close() error
}
