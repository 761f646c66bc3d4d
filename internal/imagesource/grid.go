package imagesource

import "math"

// TileSize is the edge length of every tile cut from an image.
const TileSize = 256

// MaxZoom is the level at which one tile pixel equals one image pixel.
func MaxZoom(width, height int) int {
	maxDim := math.Max(float64(width), float64(height))
	z := int(math.Ceil(math.Log2(maxDim / TileSize)))
	if z < 0 {
		return 0
	}
	return z
}

// PixelsPerTile is how many image pixels one tile edge covers at zoom z.
func PixelsPerTile(z, maxZoom int) float64 {
	return TileSize * math.Pow(2, float64(maxZoom-z))
}

// GridSize returns the number of tile columns and rows at zoom z.
func GridSize(width, height, z, maxZoom int) (cols, rows int) {
	ppt := PixelsPerTile(z, maxZoom)
	return int(math.Ceil(float64(width) / ppt)), int(math.Ceil(float64(height) / ppt))
}

// Area is the source rectangle of one tile, clamped to the image.
type Area struct {
	Left, Top, Width, Height int
}

// TileArea returns the image region covered by tile (z, x, y) and false when
// the tile lies outside the image.
func TileArea(width, height, z, x, y, maxZoom int) (Area, bool) {
	if z < 0 || z > maxZoom || x < 0 || y < 0 {
		return Area{}, false
	}
	ppt := PixelsPerTile(z, maxZoom)
	startX := int(float64(x) * ppt)
	startY := int(float64(y) * ppt)
	endX := int(math.Min(float64(startX)+ppt, float64(width)))
	endY := int(math.Min(float64(startY)+ppt, float64(height)))
	if endX <= startX || endY <= startY {
		return Area{}, false
	}
	return Area{Left: startX, Top: startY, Width: endX - startX, Height: endY - startY}, true
}
