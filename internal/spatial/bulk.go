package spatial

import (
	"math"
	"slices"

	"github.com/paulmach/orb"
)

// BulkLoad replaces the tree's contents with items packed by
// sort-tile-recursive. When an id repeats, the last box wins.
func (t *RTree) BulkLoad(items []Item) {
	t.bounds = make(map[string]orb.Bound, len(items))
	for _, it := range items {
		t.bounds[it.ID] = it.Bound
	}

	entries := make([]entry, 0, len(t.bounds))
	seen := make(map[string]bool, len(t.bounds))
	for _, it := range items {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		entries = append(entries, entry{bound: t.bounds[it.ID], id: it.ID})
	}

	if len(entries) == 0 {
		t.root = &node{leaf: true}
		t.height = 1
		return
	}

	nodes := t.pack(entries, true)
	height := 1
	for len(nodes) > 1 {
		parents := make([]entry, len(nodes))
		for i, n := range nodes {
			parents[i] = entry{bound: n.bound, child: n}
		}
		nodes = t.pack(parents, false)
		height++
	}
	t.root = nodes[0]
	t.height = height
}

func (t *RTree) pack(entries []entry, leaf bool) []*node {
	m := t.maxEntries
	nodeCount := int(math.Ceil(float64(len(entries)) / float64(m)))
	sliceCount := int(math.Ceil(math.Sqrt(float64(nodeCount))))
	sliceSize := sliceCount * m

	sortByCenter(entries, 0)

	nodes := make([]*node, 0, nodeCount)
	for start := 0; start < len(entries); start += sliceSize {
		end := min(start+sliceSize, len(entries))
		slice := entries[start:end]
		sortByCenter(slice, 1)
		for i := 0; i < len(slice); i += m {
			j := min(i+m, len(slice))
			n := &node{leaf: leaf, entries: append([]entry(nil), slice[i:j]...)}
			n.recalc()
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func sortByCenter(entries []entry, axis int) {
	slices.SortStableFunc(entries, func(a, b entry) int {
		ca := (a.bound.Min[axis] + a.bound.Max[axis]) / 2
		cb := (b.bound.Min[axis] + b.bound.Max[axis]) / 2
		switch {
		case ca < cb:
			return -1
		case ca > cb:
			return 1
		default:
			return 0
		}
	})
}
