// Package background runs GeoJSON parsing, marker clustering and spatial
// queries through the task queue, off the interactive path.
package background

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigamap/internal/compute"
	"gigamap/internal/runtime"
	"gigamap/internal/scheduler"
	"gigamap/internal/spatial"
	"gigamap/internal/tasks"
)

// Submitter queues descriptors. *scheduler.Scheduler implements it.
type Submitter interface {
	Register(kind tasks.Kind, h scheduler.Handler)
	Submit(d tasks.Descriptor) *runtime.Handle[any]
}

type Service struct {
	sched  Submitter
	clock  runtime.Clock
	logger *zap.Logger
}

// New registers the compute handlers on sched.
func New(sched Submitter, clock runtime.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{sched: sched, clock: clock, logger: logger}
	sched.Register(tasks.Parse, s.handleParse)
	sched.Register(tasks.Cluster, s.handleCluster)
	sched.Register(tasks.SpatialQuery, s.handleQuery)
	return s
}

// Parse parses a GeoJSON document. Syntax errors resolve the handle with a
// ParseError carrying the byte offset.
func (s *Service) Parse(doc []byte, transform compute.Transform, priority tasks.Priority) *runtime.Handle[[]compute.Feature] {
	return submit[[]compute.Feature](s, priority, tasks.ParsePayload{Document: doc, Transform: transform})
}

// Cluster groups markers given in screen pixels with a pixel threshold.
func (s *Service) Cluster(markers []compute.Marker, threshold float64, priority tasks.Priority) *runtime.Handle[compute.ClusterResult] {
	return submit[compute.ClusterResult](s, priority, tasks.ClusterPayload{Markers: markers, Threshold: threshold})
}

// Query lists the ids in snap intersecting region.
func (s *Service) Query(snap *spatial.Snapshot, region orb.Bound, priority tasks.Priority) *runtime.Handle[[]string] {
	return submit[[]string](s, priority, tasks.SpatialQueryPayload{Snapshot: snap, Region: region})
}

// submit queues payload and narrows the untyped scheduler handle to T.
// Cancelling the returned handle cancels the queued or running task.
func submit[T any](s *Service, priority tasks.Priority, payload tasks.Payload) *runtime.Handle[T] {
	d := tasks.New(priority, s.clock.Now(), payload)
	inner := s.sched.Submit(d)

	out := runtime.NewHandle[T](context.Background())
	out.OnCancel(inner.Cancel)
	inner.OnComplete(func(v any, err error) {
		var zero T
		if err != nil {
			out.Resolve(zero, err)
			return
		}
		t, ok := v.(T)
		if !ok {
			out.Resolve(zero, fmt.Errorf("%s task returned %T", d.Kind, v))
			return
		}
		out.Resolve(t, nil)
	})
	return out
}

func (s *Service) handleParse(ctx context.Context, d tasks.Descriptor) (any, error) {
	p := d.Payload.(tasks.ParsePayload)
	features, err := compute.ParseGeoJSON(ctx, p.Document, p.Transform)
	if err != nil {
		s.logger.Debug("GeoJSON parse failed", zap.String("task_id", d.ID), zap.Error(err))
		return nil, err
	}
	return features, nil
}

func (s *Service) handleCluster(ctx context.Context, d tasks.Descriptor) (any, error) {
	p := d.Payload.(tasks.ClusterPayload)
	return compute.ClusterMarkers(ctx, p.Markers, p.Threshold)
}

func (s *Service) handleQuery(ctx context.Context, d tasks.Descriptor) (any, error) {
	p := d.Payload.(tasks.SpatialQueryPayload)
	return compute.Query(ctx, p.Snapshot, p.Region)
}
