package pipeline

import (
	"context"
	"maps"
	"slices"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigamap/internal/compute"
	"gigamap/internal/runtime"
	"gigamap/internal/spatial"
	"gigamap/internal/tasks"
)

// SetMarkers replaces the marker layer. Points are in projection input
// space (lon/lat for Web Mercator).
func (p *Pipeline) SetMarkers(markers []compute.Marker) {
	items := make([]spatial.Item, 0, len(markers))
	points := make(map[string]orb.Point, len(markers))
	for _, m := range markers {
		points[m.ID] = m.Point
	}
	for id, pt := range points {
		items = append(items, spatial.Item{ID: id, Bound: pt.Bound()})
	}

	p.mu.Lock()
	p.points = points
	p.markers.BulkLoad(items)
	p.markerSnap = nil
	p.mu.Unlock()

	p.logger.Info("Marker layer replaced", zap.Int("markers", len(points)))
	p.refreshClusters()
}

// AddMarker inserts or moves one marker.
func (p *Pipeline) AddMarker(m compute.Marker) {
	p.mu.Lock()
	// Background runs hold the previous map.
	p.points = maps.Clone(p.points)
	p.points[m.ID] = m.Point
	p.markers.Insert(m.ID, m.Point.Bound())
	p.markerSnap = nil
	p.mu.Unlock()
	p.refreshClusters()
}

func (p *Pipeline) RemoveMarker(id string) bool {
	p.mu.Lock()
	p.points = maps.Clone(p.points)
	delete(p.points, id)
	ok := p.markers.Remove(id)
	if ok {
		p.markerSnap = nil
	}
	p.mu.Unlock()
	if ok {
		p.refreshClusters()
	}
	return ok
}

// ImportGeoJSON parses doc in the background and replaces the marker layer
// with one marker per feature. The handle resolves with the marker count,
// or with the parse error.
func (p *Pipeline) ImportGeoJSON(doc []byte) *runtime.Handle[int] {
	parsed := p.bg.Parse(doc, nil, tasks.Normal)
	out := runtime.NewHandle[int](context.Background())
	out.OnCancel(parsed.Cancel)
	parsed.OnComplete(func(features []compute.Feature, err error) {
		if err != nil {
			out.Resolve(0, err)
			return
		}
		markers := compute.MarkersFromFeatures(features, nil)
		if out.IsFinished() {
			return
		}
		p.SetMarkers(markers)
		out.Resolve(len(markers), nil)
	})
	return out
}

// refreshClusters re-clusters the markers inside the current view. The
// region query and the clustering run as background tasks; results of a
// superseded run are discarded.
func (p *Pipeline) refreshClusters() {
	p.mu.Lock()
	if !p.hasViewport || p.closed {
		p.mu.Unlock()
		return
	}
	p.clusterGen++
	gen := p.clusterGen
	prev := p.clusterJobs
	p.clusterJobs = nil
	w := p.window(p.viewport)
	snap := p.markerSnapshotLocked()
	points := p.points
	p.mu.Unlock()

	for _, cancel := range prev {
		cancel()
	}
	if snap.Len() == 0 {
		p.setClusters(gen, nil)
		return
	}

	pixelsPerTile := float64(p.cfg.TileSize) * w.scale
	toPixels := func(pt orb.Point) orb.Point {
		f := p.proj.TileFraction(pt, w.zoom)
		return orb.Point{f[0] * pixelsPerTile, f[1] * pixelsPerTile}
	}
	fromPixels := func(px orb.Point) orb.Point {
		return p.proj.Point(orb.Point{px[0] / pixelsPerTile, px[1] / pixelsPerTile}, w.zoom)
	}

	query := p.bg.Query(snap, w.bound(p.proj), tasks.Normal)
	p.track(gen, query.Cancel)
	query.OnComplete(func(ids []string, err error) {
		if err != nil {
			p.logDropped("Marker query", gen, err)
			return
		}
		markers := make([]compute.Marker, 0, len(ids))
		for _, id := range ids {
			if pt, ok := points[id]; ok {
				markers = append(markers, compute.Marker{ID: id, Point: toPixels(pt)})
			}
		}

		clustered := p.bg.Cluster(markers, p.cfg.ClusterThreshold, tasks.Normal)
		p.track(gen, clustered.Cancel)
		clustered.OnComplete(func(res compute.ClusterResult, err error) {
			if err != nil {
				p.logDropped("Marker clustering", gen, err)
				return
			}
			for i := range res.Clusters {
				c := &res.Clusters[i]
				c.Center = fromPixels(c.Center)
				c.Bound = orb.MultiPoint{fromPixels(c.Bound.Min), fromPixels(c.Bound.Max)}.Bound()
			}
			p.setClusters(gen, res.Clusters)
		})
	})
}

// markerSnapshotLocked returns a read-only copy of the marker index. The
// copy is taken once per marker change and shared until the next one, so
// moving the view never copies the index.
func (p *Pipeline) markerSnapshotLocked() *spatial.Snapshot {
	if p.markerSnap == nil {
		p.markerSnap = p.markers.Snapshot()
	}
	return p.markerSnap
}

// MarkersNear returns the markers within radius of center, both in
// projection input space, ordered by id.
func (p *Pipeline) MarkersNear(center orb.Point, radius float64) []compute.Marker {
	p.mu.Lock()
	snap := p.markerSnapshotLocked()
	points := p.points
	p.mu.Unlock()

	ids := snap.QueryRadius(center, radius)
	slices.Sort(ids)
	out := make([]compute.Marker, 0, len(ids))
	for _, id := range ids {
		if pt, ok := points[id]; ok {
			out = append(out, compute.Marker{ID: id, Point: pt})
		}
	}
	return out
}

// track registers cancel with the cluster run gen, or runs it at once if
// that run is already superseded.
func (p *Pipeline) track(gen uint64, cancel func()) {
	p.mu.Lock()
	if p.clusterGen == gen && !p.closed {
		p.clusterJobs = append(p.clusterJobs, cancel)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	cancel()
}

func (p *Pipeline) setClusters(gen uint64, clusters []compute.Cluster) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clusterGen != gen {
		return
	}
	p.clusters = clusters
	p.clusterJobs = nil
}

func (p *Pipeline) logDropped(what string, gen uint64, err error) {
	p.mu.Lock()
	superseded := p.clusterGen != gen
	p.mu.Unlock()
	if superseded {
		return
	}
	p.logger.Warn(what+" failed", zap.Error(err))
}

// CurrentClusters returns the clusters of the latest completed run. It
// never blocks on background work.
func (p *Pipeline) CurrentClusters() []compute.Cluster {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]compute.Cluster(nil), p.clusters...)
}
