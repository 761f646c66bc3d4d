package compute

import (
	"context"
	"slices"

	"github.com/paulmach/orb"

	"gigamap/internal/spatial"
	"gigamap/internal/tile"
)

// Query returns the sorted ids in snap whose boxes intersect region.
func Query(ctx context.Context, snap *spatial.Snapshot, region orb.Bound) ([]string, error) {
	if snap == nil {
		return nil, nil
	}
	var ids []string
	for id := range snap.Query(region) {
		if len(ids)%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, tile.Wrap(tile.Cancelled, tile.Key{}, err)
			}
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
