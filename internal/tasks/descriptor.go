package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"gigamap/internal/compute"
	"gigamap/internal/spatial"
	"gigamap/internal/tile"
)

// Priority orders descriptors in the queue. Higher values pop first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Interactive
)

// NumPriorities is the number of priority bands.
const NumPriorities = 4

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Interactive:
		return "interactive"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	return p >= Low && p <= Interactive
}

type Kind int

const (
	Fetch Kind = iota
	Decode
	Parse
	Cluster
	SpatialQuery
)

// NumKinds is the number of task kinds.
const NumKinds = 5

func (k Kind) String() string {
	switch k {
	case Fetch:
		return "fetch"
	case Decode:
		return "decode"
	case Parse:
		return "parse"
	case Cluster:
		return "cluster"
	case SpatialQuery:
		return "spatial_query"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Payload is the closed set of task inputs. Each payload type belongs to
// exactly one Kind.
type Payload interface {
	Kind() Kind
	sealed()
}

type FetchPayload struct {
	Key     tile.Key
	Attempt int
}

type DecodePayload struct {
	Key  tile.Key
	Data []byte
}

type ParsePayload struct {
	Document  []byte
	Transform compute.Transform
}

type ClusterPayload struct {
	Markers   []compute.Marker
	Threshold float64
}

type SpatialQueryPayload struct {
	Snapshot *spatial.Snapshot
	Region   orb.Bound
}

func (FetchPayload) Kind() Kind        { return Fetch }
func (DecodePayload) Kind() Kind       { return Decode }
func (ParsePayload) Kind() Kind        { return Parse }
func (ClusterPayload) Kind() Kind      { return Cluster }
func (SpatialQueryPayload) Kind() Kind { return SpatialQuery }

func (FetchPayload) sealed()        {}
func (DecodePayload) sealed()       {}
func (ParsePayload) sealed()        {}
func (ClusterPayload) sealed()      {}
func (SpatialQueryPayload) sealed() {}

// Descriptor is one unit of pending work.
type Descriptor struct {
	ID        string
	Priority  Priority
	CreatedAt time.Time
	Kind      Kind
	Payload   Payload
}

// New builds a descriptor with a fresh id. The kind follows the payload.
func New(priority Priority, createdAt time.Time, payload Payload) Descriptor {
	return Descriptor{
		ID:        uuid.New().String(),
		Priority:  priority,
		CreatedAt: createdAt,
		Kind:      payload.Kind(),
		Payload:   payload,
	}
}

// Validate rejects descriptors whose kind and payload disagree.
func (d Descriptor) Validate() error {
	if !d.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", int(d.Priority))
	}
	if d.Payload == nil {
		return fmt.Errorf("task %s has no payload", d.ID)
	}
	if d.Payload.Kind() != d.Kind {
		return fmt.Errorf("task %s: kind %s does not match %s payload", d.ID, d.Kind, d.Payload.Kind())
	}
	return nil
}
