package pipeline

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"gigamap/internal/tile"
)

// Viewport is what the host is looking at. Center is lon/lat in the
// projection's input space; Zoom may be fractional.
type Viewport struct {
	Center orb.Point `json:"center"`
	Zoom   float64   `json:"zoom"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
}

func (v Viewport) Validate() error {
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("viewport size must be positive, got %dx%d", v.Width, v.Height)
	}
	if math.IsNaN(v.Zoom) || math.IsInf(v.Zoom, 0) {
		return fmt.Errorf("viewport zoom must be finite, got %v", v.Zoom)
	}
	for _, c := range v.Center {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("viewport center must be finite, got %v", v.Center)
		}
	}
	return nil
}

// Projection maps points to fractional tile coordinates and back.
type Projection interface {
	TileFraction(p orb.Point, zoom int) orb.Point
	Point(fraction orb.Point, zoom int) orb.Point
}

// WebMercator is the slippy-map projection used by OSM-style sources.
type WebMercator struct{}

func (WebMercator) TileFraction(p orb.Point, zoom int) orb.Point {
	return maptile.Fraction(p, maptile.Zoom(zoom))
}

func (WebMercator) Point(f orb.Point, zoom int) orb.Point {
	n := math.Exp2(float64(zoom))
	lon := f[0]/n*360 - 180
	lat := math.Atan(math.Sinh(math.Pi*(1-2*f[1]/n))) * 180 / math.Pi
	return orb.Point{lon, lat}
}

const edgeEpsilon = 1e-9

// window is the fractional tile rectangle a viewport covers at one zoom.
type window struct {
	zoom   int
	center orb.Point
	halfW  float64
	halfH  float64
	scale  float64 // displayed pixels per tile pixel
}

func (p *Pipeline) window(vp Viewport) window {
	z := int(math.Round(vp.Zoom))
	z = max(p.cfg.MinZoom, min(p.cfg.MaxZoom, z))
	scale := math.Exp2(vp.Zoom - float64(z))
	tilePx := float64(p.cfg.TileSize) * scale
	return window{
		zoom:   z,
		center: p.proj.TileFraction(vp.Center, z),
		halfW:  float64(vp.Width) / 2 / tilePx,
		halfH:  float64(vp.Height) / 2 / tilePx,
		scale:  scale,
	}
}

// bound is the region the window covers in projection input space.
func (w window) bound(proj Projection) orb.Bound {
	a := proj.Point(orb.Point{w.center[0] - w.halfW, w.center[1] - w.halfH}, w.zoom)
	b := proj.Point(orb.Point{w.center[0] + w.halfW, w.center[1] + w.halfH}, w.zoom)
	return orb.MultiPoint{a, b}.Bound()
}

// CoveringKeys returns the tiles of sourceID visible in vp, nearest to the
// centre first, and the prefetch ring of PrefetchMargin tiles around them.
// Columns wrap around the antimeridian; rows outside the world are skipped.
func (p *Pipeline) CoveringKeys(vp Viewport, sourceID string) (visible, prefetch []tile.Key) {
	w := p.window(vp)
	for _, c := range w.center {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, nil
		}
	}
	n := 1 << w.zoom
	x0 := int(math.Floor(w.center[0] - w.halfW + edgeEpsilon))
	x1 := int(math.Ceil(w.center[0]+w.halfW-edgeEpsilon)) - 1
	y0 := int(math.Floor(w.center[1] - w.halfH + edgeEpsilon))
	y1 := int(math.Ceil(w.center[1]+w.halfH-edgeEpsilon)) - 1
	m := p.cfg.PrefetchMargin

	type candidate struct {
		key     tile.Key
		dist    float64
		visible bool
	}
	var cands []candidate
	seen := make(map[tile.Key]bool)
	for y := max(y0-m, 0); y <= min(y1+m, n-1); y++ {
		for x := x0 - m; x <= x1+m; x++ {
			key := tile.Key{Zoom: w.zoom, X: ((x % n) + n) % n, Y: y, SourceID: sourceID}
			vis := x >= x0 && x <= x1 && y >= y0 && y <= y1
			if seen[key] {
				if vis {
					for i := range cands {
						if cands[i].key == key {
							cands[i].visible = true
						}
					}
				}
				continue
			}
			seen[key] = true
			dx := float64(x) + 0.5 - w.center[0]
			dy := float64(y) + 0.5 - w.center[1]
			cands = append(cands, candidate{key: key, dist: math.Hypot(dx, dy), visible: vis})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	for _, c := range cands {
		if c.visible {
			visible = append(visible, c.key)
		} else {
			prefetch = append(prefetch, c.key)
		}
	}
	return visible, prefetch
}

// PredictedKeys returns the tiles of sourceID around the centre the view is
// expected to reach, at the current zoom and the levels either side of it,
// each with its prefetch ring.
func (p *Pipeline) PredictedKeys(vp Viewport, center orb.Point, sourceID string) []tile.Key {
	var keys []tile.Key
	seen := make(map[tile.Key]bool)
	for _, dz := range []float64{0, -1, 1} {
		pv := vp
		pv.Center = center
		pv.Zoom += dz
		if pv.Validate() != nil {
			continue
		}
		visible, prefetch := p.CoveringKeys(pv, sourceID)
		for _, k := range append(visible, prefetch...) {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}
