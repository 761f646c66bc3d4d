package spatial

import (
	"iter"

	"github.com/paulmach/orb"
)

// Snapshot is an immutable copy of a tree, safe to query from any goroutine.
type Snapshot struct {
	tree *RTree
}

// Snapshot copies the tree. Later mutations of t are not visible in it.
func (t *RTree) Snapshot() *Snapshot {
	bounds := make(map[string]orb.Bound, len(t.bounds))
	for id, b := range t.bounds {
		bounds[id] = b
	}
	return &Snapshot{tree: &RTree{
		maxEntries: t.maxEntries,
		minEntries: t.minEntries,
		root:       cloneNode(t.root),
		height:     t.height,
		bounds:     bounds,
	}}
}

func cloneNode(n *node) *node {
	c := &node{bound: n.bound, leaf: n.leaf, entries: make([]entry, len(n.entries))}
	copy(c.entries, n.entries)
	if !n.leaf {
		for i := range c.entries {
			c.entries[i].child = cloneNode(n.entries[i].child)
		}
	}
	return c
}

func (s *Snapshot) Len() int {
	return s.tree.Len()
}

func (s *Snapshot) Get(id string) (orb.Bound, bool) {
	return s.tree.Get(id)
}

func (s *Snapshot) Query(region orb.Bound) iter.Seq[string] {
	return s.tree.Query(region)
}

func (s *Snapshot) QueryRadius(center orb.Point, radius float64) []string {
	return s.tree.QueryRadius(center, radius)
}

func (s *Snapshot) Bounds() (orb.Bound, bool) {
	return s.tree.Bounds()
}
