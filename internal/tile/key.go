package tile

import (
	"fmt"
)

// Key identifies one tile across all sources.
type Key struct {
	Zoom     int
	X        int
	Y        int
	SourceID string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.SourceID, k.Zoom, k.X, k.Y)
}

// Validate checks that the key addresses an existing cell of its zoom grid.
func (k Key) Validate() error {
	if k.SourceID == "" {
		return &Error{Kind: InvalidKey, Key: k, Err: fmt.Errorf("empty source id")}
	}
	if k.Zoom < 0 || k.Zoom > MaxZoom {
		return &Error{Kind: InvalidKey, Key: k, Err: fmt.Errorf("zoom %d out of range [0, %d]", k.Zoom, MaxZoom)}
	}
	n := 1 << k.Zoom
	if k.X < 0 || k.X >= n || k.Y < 0 || k.Y >= n {
		return &Error{Kind: InvalidKey, Key: k, Err: fmt.Errorf("coordinates %d,%d outside grid of size %d", k.X, k.Y, n)}
	}
	return nil
}

// MaxZoom is the deepest zoom level a key may address.
const MaxZoom = 30
