// Package spatial provides an R-tree over planar bounding boxes.
package spatial

import (
	"iter"
	"math"
	"slices"

	"github.com/paulmach/orb"
)

const (
	DefaultMaxEntries = 16
	minMaxEntries     = 4
)

// Item is one indexed id and its bounding box.
type Item struct {
	ID    string
	Bound orb.Bound
}

type entry struct {
	bound orb.Bound
	id    string
	child *node
}

type node struct {
	bound   orb.Bound
	leaf    bool
	entries []entry
}

func (n *node) recalc() {
	if len(n.entries) == 0 {
		n.bound = orb.Bound{}
		return
	}
	for i := range n.entries {
		if c := n.entries[i].child; c != nil {
			n.entries[i].bound = c.bound
		}
	}
	b := n.entries[0].bound
	for _, e := range n.entries[1:] {
		b = b.Union(e.bound)
	}
	n.bound = b
}

// RTree indexes ids by bounding box. Every id has exactly one box.
// An RTree is not safe for concurrent mutation; background readers should
// query a Snapshot.
type RTree struct {
	maxEntries int
	minEntries int
	root       *node
	height     int
	bounds     map[string]orb.Bound
}

// New creates an empty tree whose nodes hold at most maxEntries entries.
func New(maxEntries int) *RTree {
	if maxEntries < minMaxEntries {
		maxEntries = DefaultMaxEntries
	}
	minEntries := int(math.Ceil(float64(maxEntries) * 0.4))
	return &RTree{
		maxEntries: maxEntries,
		minEntries: minEntries,
		root:       &node{leaf: true},
		height:     1,
		bounds:     make(map[string]orb.Bound),
	}
}

func (t *RTree) Len() int {
	return len(t.bounds)
}

// Height is the number of node levels, 1 for a tree that is a single leaf.
func (t *RTree) Height() int {
	return t.height
}

// Bounds returns the box covering every indexed item.
func (t *RTree) Bounds() (orb.Bound, bool) {
	if len(t.bounds) == 0 {
		return orb.Bound{}, false
	}
	return t.root.bound, true
}

func (t *RTree) Get(id string) (orb.Bound, bool) {
	b, ok := t.bounds[id]
	return b, ok
}

// Insert adds id with box b, replacing any box id already had.
func (t *RTree) Insert(id string, b orb.Bound) {
	if _, ok := t.bounds[id]; ok {
		t.Remove(id)
	}
	t.bounds[id] = b
	t.insert(entry{bound: b, id: id}, 1)
}

// insert places e into a node at the given level, leaves being level 1.
func (t *RTree) insert(e entry, level int) {
	path := []*node{t.root}
	n := t.root
	for lvl := t.height; lvl > level; lvl-- {
		n = chooseSubtree(n, e.bound)
		path = append(path, n)
	}
	n.entries = append(n.entries, e)

	for i := len(path) - 1; i >= 0; i-- {
		n := path[i]
		if len(n.entries) > t.maxEntries {
			sibling := t.split(n)
			if i == 0 {
				t.root = &node{entries: []entry{{child: n}, {child: sibling}}}
				t.root.recalc()
				t.height++
				continue
			}
			path[i-1].entries = append(path[i-1].entries, entry{bound: sibling.bound, child: sibling})
		}
		n.recalc()
	}
}

func chooseSubtree(n *node, b orb.Bound) *node {
	best := -1
	bestEnlargement, bestArea := math.Inf(1), math.Inf(1)
	for i, e := range n.entries {
		a := area(e.bound)
		enlargement := area(e.bound.Union(b)) - a
		if enlargement < bestEnlargement || (enlargement == bestEnlargement && a < bestArea) {
			best, bestEnlargement, bestArea = i, enlargement, a
		}
	}
	return n.entries[best].child
}

// split moves part of n's entries into a new sibling using the quadratic
// method. Both nodes have their bounds recomputed.
func (t *RTree) split(n *node) *node {
	entries := n.entries
	seedA, seedB := pickSeeds(entries)

	groupA := []entry{entries[seedA]}
	groupB := []entry{entries[seedB]}
	boundA, boundB := entries[seedA].bound, entries[seedB].bound

	rest := make([]entry, 0, len(entries)-2)
	for i, e := range entries {
		if i != seedA && i != seedB {
			rest = append(rest, e)
		}
	}

	for len(rest) > 0 {
		if len(groupA)+len(rest) == t.minEntries {
			groupA = append(groupA, rest...)
			break
		}
		if len(groupB)+len(rest) == t.minEntries {
			groupB = append(groupB, rest...)
			break
		}

		next, maxDiff := 0, -1.0
		for i, e := range rest {
			dA := area(boundA.Union(e.bound)) - area(boundA)
			dB := area(boundB.Union(e.bound)) - area(boundB)
			if diff := math.Abs(dA - dB); diff > maxDiff {
				next, maxDiff = i, diff
			}
		}
		e := rest[next]
		rest = slices.Delete(rest, next, next+1)

		dA := area(boundA.Union(e.bound)) - area(boundA)
		dB := area(boundB.Union(e.bound)) - area(boundB)
		toA := dA < dB ||
			(dA == dB && area(boundA) < area(boundB)) ||
			(dA == dB && area(boundA) == area(boundB) && len(groupA) <= len(groupB))
		if toA {
			groupA = append(groupA, e)
			boundA = boundA.Union(e.bound)
		} else {
			groupB = append(groupB, e)
			boundB = boundB.Union(e.bound)
		}
	}

	n.entries = groupA
	n.recalc()
	sibling := &node{leaf: n.leaf, entries: groupB}
	sibling.recalc()
	return sibling
}

func pickSeeds(entries []entry) (int, int) {
	seedA, seedB := 0, 1
	worst := math.Inf(-1)
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			d := area(entries[i].bound.Union(entries[j].bound)) - area(entries[i].bound) - area(entries[j].bound)
			if d > worst {
				seedA, seedB, worst = i, j, d
			}
		}
	}
	return seedA, seedB
}

// Remove deletes id. Underfull nodes on the way up are dissolved and their
// items reinserted.
func (t *RTree) Remove(id string) bool {
	b, ok := t.bounds[id]
	if !ok {
		return false
	}
	path, idx := t.findLeaf(t.root, id, b, nil)
	if path == nil {
		return false
	}
	delete(t.bounds, id)

	leaf := path[len(path)-1]
	leaf.entries = slices.Delete(leaf.entries, idx, idx+1)

	var orphans []entry
	for i := len(path) - 1; i > 0; i-- {
		n, parent := path[i], path[i-1]
		if len(n.entries) < t.minEntries {
			for j, e := range parent.entries {
				if e.child == n {
					parent.entries = slices.Delete(parent.entries, j, j+1)
					break
				}
			}
			orphans = collectItems(n, orphans)
			continue
		}
		n.recalc()
	}
	t.root.recalc()

	for !t.root.leaf && len(t.root.entries) == 1 {
		t.root = t.root.entries[0].child
		t.height--
	}
	if !t.root.leaf && len(t.root.entries) == 0 {
		t.root = &node{leaf: true}
		t.height = 1
	}

	for _, e := range orphans {
		t.insert(e, 1)
	}
	return true
}

func (t *RTree) findLeaf(n *node, id string, b orb.Bound, path []*node) ([]*node, int) {
	path = append(path, n)
	if n.leaf {
		for i, e := range n.entries {
			if e.id == id {
				return path, i
			}
		}
		return nil, -1
	}
	for _, e := range n.entries {
		if !contains(e.bound, b) {
			continue
		}
		if found, i := t.findLeaf(e.child, id, b, path); found != nil {
			return found, i
		}
	}
	return nil, -1
}

func collectItems(n *node, out []entry) []entry {
	if n.leaf {
		return append(out, n.entries...)
	}
	for _, e := range n.entries {
		out = collectItems(e.child, out)
	}
	return out
}

// Query yields every id whose box intersects region. The sequence must be
// consumed before the tree is mutated again.
func (t *RTree) Query(region orb.Bound) iter.Seq[string] {
	root := t.root
	return func(yield func(string) bool) {
		stack := []*node{root}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, e := range n.entries {
				if !e.bound.Intersects(region) {
					continue
				}
				if n.leaf {
					if !yield(e.id) {
						return
					}
					continue
				}
				stack = append(stack, e.child)
			}
		}
	}
}

// QueryRadius returns ids whose box lies within radius of center.
func (t *RTree) QueryRadius(center orb.Point, radius float64) []string {
	region := orb.Bound{Min: center, Max: center}.Pad(radius)
	var ids []string
	for id := range t.Query(region) {
		if distanceToBound(center, t.bounds[id]) <= radius {
			ids = append(ids, id)
		}
	}
	return ids
}

func area(b orb.Bound) float64 {
	return (b.Max[0] - b.Min[0]) * (b.Max[1] - b.Min[1])
}

func contains(outer, inner orb.Bound) bool {
	return outer.Min[0] <= inner.Min[0] && outer.Min[1] <= inner.Min[1] &&
		outer.Max[0] >= inner.Max[0] && outer.Max[1] >= inner.Max[1]
}

func distanceToBound(p orb.Point, b orb.Bound) float64 {
	dx := math.Max(0, math.Max(b.Min[0]-p[0], p[0]-b.Max[0]))
	dy := math.Max(0, math.Max(b.Min[1]-p[1], p[1]-b.Max[1]))
	return math.Hypot(dx, dy)
}
