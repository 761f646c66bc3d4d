package compute

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"gigamap/internal/tile"
)

// Marker is a point in screen pixel space.
type Marker struct {
	ID    string
	Point orb.Point
}

type Cluster struct {
	ID      string
	Center  orb.Point
	Members []string
	Bound   orb.Bound
}

type ClusterResult struct {
	Count    int
	Clusters []Cluster
}

type cell struct{ x, y int }

var neighbours = [8]cell{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// ClusterMarkers groups markers on a grid whose cells are threshold pixels
// wide. Cells are visited in the order their first marker appears; a cell
// absorbs each unvisited neighbour whose centroid lies within threshold of
// the growing cluster's centroid. The same input order always yields the
// same clusters.
func ClusterMarkers(ctx context.Context, markers []Marker, threshold float64) (ClusterResult, error) {
	if threshold <= 0 || math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return ClusterResult{}, fmt.Errorf("cluster threshold must be positive, got %v", threshold)
	}

	cells := make(map[cell][]int)
	var order []cell
	for i, m := range markers {
		c := cell{int(math.Floor(m.Point[0] / threshold)), int(math.Floor(m.Point[1] / threshold))}
		if _, ok := cells[c]; !ok {
			order = append(order, c)
		}
		cells[c] = append(cells[c], i)
	}

	consumed := make(map[cell]bool, len(cells))
	result := ClusterResult{Clusters: make([]Cluster, 0, len(order))}
	for _, c := range order {
		if err := ctx.Err(); err != nil {
			return ClusterResult{}, tile.Wrap(tile.Cancelled, tile.Key{}, err)
		}
		if consumed[c] {
			continue
		}
		consumed[c] = true

		members := append([]int(nil), cells[c]...)
		center := centroid(markers, members)
		for _, d := range neighbours {
			n := cell{c.x + d.x, c.y + d.y}
			idx, ok := cells[n]
			if !ok || consumed[n] {
				continue
			}
			if distance(center, centroid(markers, idx)) > threshold {
				continue
			}
			consumed[n] = true
			members = append(members, idx...)
			center = centroid(markers, members)
		}

		cl := Cluster{
			ID:      fmt.Sprintf("cluster_%d_%d", c.x, c.y),
			Center:  center,
			Members: make([]string, len(members)),
		}
		cl.Bound = orb.Bound{Min: markers[members[0]].Point, Max: markers[members[0]].Point}
		for i, m := range members {
			cl.Members[i] = markers[m].ID
			cl.Bound = cl.Bound.Extend(markers[m].Point)
		}
		result.Clusters = append(result.Clusters, cl)
	}
	result.Count = len(result.Clusters)
	return result, nil
}

// MarkersFromFeatures places one marker at the centre of each feature's
// bounds, mapped through project.
func MarkersFromFeatures(features []Feature, project func(orb.Point) orb.Point) []Marker {
	out := make([]Marker, 0, len(features))
	for _, f := range features {
		p := f.Bound.Center()
		if project != nil {
			p = project(p)
		}
		out = append(out, Marker{ID: f.ID, Point: p})
	}
	return out
}

func centroid(markers []Marker, idx []int) orb.Point {
	var x, y float64
	for _, i := range idx {
		x += markers[i].Point[0]
		y += markers[i].Point[1]
	}
	n := float64(len(idx))
	return orb.Point{x / n, y / n}
}

func distance(a, b orb.Point) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}
