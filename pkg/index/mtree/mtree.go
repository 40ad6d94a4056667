// Package mtree implements a balanced metric tree (M-tree) over keyed points.
//
// Internal nodes hold routing objects with a covering radius; every point
// below a routing object lies within that radius of it. Range queries prune
// subtrees with the triangle inequality using the distance each entry keeps
// to its parent routing object, so most subtrees are rejected without a
// distance computation.
//
// Node splits are deterministic: the entries with the smallest and the
// largest key are promoted and the remaining entries are dealt alternately
// to the nearer promoted object (balanced partition).
package mtree

import (
	"math"
	"slices"

	"github.com/hed1ad/streamguard/pkg/index"
)

// DefaultCapacity is the maximum number of entries per node.
const DefaultCapacity = 25

// pruneSlack absorbs floating point error in covering radii so pruning never
// discards a subtree that holds an exact match.
const pruneSlack = 1e-9

// Tree is an M-tree. It is not safe for concurrent use.
type Tree struct {
	root     *node
	capacity int
	distance index.DistanceFunc

	// points backs Remove, which needs the point to locate its leaf.
	points map[int64][]float64
}

type node struct {
	leaf    bool
	entries []*entry
}

// entry is a point in a leaf or a routing object covering child.
type entry struct {
	key        int64
	point      []float64
	radius     float64
	parentDist float64
	child      *node
}

// Option configures a Tree.
type Option func(*Tree)

// WithCapacity sets the maximum number of entries per node (at least 2).
func WithCapacity(n int) Option {
	return func(t *Tree) {
		t.capacity = n
	}
}

// WithDistance sets the metric. It must satisfy the triangle inequality.
func WithDistance(fn index.DistanceFunc) Option {
	return func(t *Tree) {
		t.distance = fn
	}
}

// New creates an empty Tree with the given options.
func New(opts ...Option) *Tree {
	t := &Tree{
		capacity: DefaultCapacity,
		distance: index.Euclidean,
		points:   make(map[int64][]float64),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.capacity < 2 {
		t.capacity = 2
	}
	t.root = &node{leaf: true}

	return t
}

var _ index.NeighborIndex = (*Tree)(nil)

// Len returns the number of indexed keys.
func (t *Tree) Len() int {
	return len(t.points)
}

// Insert adds point under key, replacing any point already stored for key.
func (t *Tree) Insert(key int64, point []float64) {
	if _, ok := t.points[key]; ok {
		t.Remove(key)
	}
	t.points[key] = point

	a, b := t.insert(t.root, nil, &entry{key: key, point: point})
	if a != nil {
		t.root = &node{entries: []*entry{a, b}}
	}
}

// insert places e below n, whose routing point is parent (nil for the root).
// If n overflows, the two routing entries that replace it are returned.
func (t *Tree) insert(n *node, parent []float64, e *entry) (*entry, *entry) {
	if n.leaf {
		e.parentDist = t.distanceFrom(parent, e.point)
		n.entries = append(n.entries, e)
	} else {
		i, d := t.chooseSubtree(n, e.point)
		best := n.entries[i]
		if d > best.radius {
			best.radius = d
		}

		a, b := t.insert(best.child, best.point, e)
		if a != nil {
			a.parentDist = t.distanceFrom(parent, a.point)
			b.parentDist = t.distanceFrom(parent, b.point)
			n.entries[i] = a
			n.entries = append(n.entries, b)
		}
	}

	if len(n.entries) > t.capacity {
		return t.split(n)
	}
	return nil, nil
}

// chooseSubtree prefers the nearest routing object that already covers p,
// and otherwise the one needing the smallest radius enlargement.
func (t *Tree) chooseSubtree(n *node, p []float64) (int, float64) {
	bestCovered, bestOther := -1, -1
	var dCovered, dOther, enlargement float64

	for i, e := range n.entries {
		d := t.distance(e.point, p)
		if d <= e.radius {
			if bestCovered < 0 || d < dCovered {
				bestCovered, dCovered = i, d
			}
			continue
		}
		if bestOther < 0 || d-e.radius < enlargement {
			bestOther, dOther, enlargement = i, d, d-e.radius
		}
	}

	if bestCovered >= 0 {
		return bestCovered, dCovered
	}
	return bestOther, dOther
}

func (t *Tree) split(n *node) (*entry, *entry) {
	lo, hi := promote(n.entries)
	pa, pb := n.entries[lo], n.entries[hi]

	rest := make([]*entry, 0, len(n.entries)-2)
	for i, e := range n.entries {
		if i != lo && i != hi {
			rest = append(rest, e)
		}
	}

	groupA, groupB := t.partition(pa, pb, rest)

	return t.routing(pa, groupA, n.leaf), t.routing(pb, groupB, n.leaf)
}

// promote returns the positions of the entries with the smallest and the
// largest key.
func promote(entries []*entry) (int, int) {
	lo, hi := 0, 0
	for i, e := range entries {
		if e.key < entries[lo].key {
			lo = i
		}
		if e.key > entries[hi].key {
			hi = i
		}
	}
	if lo == hi {
		hi = (lo + 1) % len(entries)
	}
	return lo, hi
}

// partition deals rest alternately: each side takes its nearest remaining
// entry until none remain.
func (t *Tree) partition(pa, pb *entry, rest []*entry) ([]*entry, []*entry) {
	da := make([]float64, len(rest))
	db := make([]float64, len(rest))
	for i, e := range rest {
		da[i] = t.distance(pa.point, e.point)
		db[i] = t.distance(pb.point, e.point)
	}

	taken := make([]bool, len(rest))
	groupA := []*entry{pa}
	groupB := []*entry{pb}

	nearest := func(dist []float64) int {
		best := -1
		for i := range rest {
			if !taken[i] && (best < 0 || dist[i] < dist[best]) {
				best = i
			}
		}
		return best
	}

	for left := len(rest); left > 0; {
		if i := nearest(da); i >= 0 {
			taken[i] = true
			groupA = append(groupA, rest[i])
			left--
		}
		if i := nearest(db); i >= 0 {
			taken[i] = true
			groupB = append(groupB, rest[i])
			left--
		}
	}

	return groupA, groupB
}

// routing builds the routing entry for a new node holding members.
func (t *Tree) routing(center *entry, members []*entry, leaf bool) *entry {
	r := &entry{
		key:   center.key,
		point: center.point,
		child: &node{leaf: leaf, entries: members},
	}

	for _, m := range members {
		m.parentDist = t.distance(center.point, m.point)
		if cover := m.parentDist + m.radius; cover > r.radius {
			r.radius = cover
		}
	}

	return r
}

func (t *Tree) distanceFrom(parent, p []float64) float64 {
	if parent == nil {
		return 0
	}
	return t.distance(parent, p)
}

// Remove deletes key and reports whether it was present. Nodes left empty
// are unlinked from their parents; underfull nodes are kept.
func (t *Tree) Remove(key int64) bool {
	point, ok := t.points[key]
	if !ok {
		return false
	}
	delete(t.points, key)

	found := t.remove(t.root, key, point, true)
	if !found {
		// Covering radii are upper bounds, but walk everything rather than
		// leave a stale leaf behind.
		found = t.remove(t.root, key, point, false)
	}

	for !t.root.leaf && len(t.root.entries) == 1 {
		t.root = t.root.entries[0].child
	}
	if !t.root.leaf && len(t.root.entries) == 0 {
		t.root = &node{leaf: true}
	}

	return found
}

func (t *Tree) remove(n *node, key int64, point []float64, prune bool) bool {
	for i, e := range n.entries {
		if n.leaf {
			if e.key == key {
				n.entries = slices.Delete(n.entries, i, i+1)
				return true
			}
			continue
		}

		if prune && t.distance(e.point, point) > e.radius+pruneSlack {
			continue
		}
		if t.remove(e.child, key, point, prune) {
			if len(e.child.entries) == 0 {
				n.entries = slices.Delete(n.entries, i, i+1)
			}
			return true
		}
	}
	return false
}

// RangeQuery returns the points within radius of probe, ascending by
// distance and then by key.
func (t *Tree) RangeQuery(probe []float64, radius float64) []index.Result {
	var results []index.Result
	t.search(t.root, probe, radius, 0, false, &results)
	index.SortResults(results)
	return results
}

func (t *Tree) search(n *node, probe []float64, radius, parentDist float64, hasParent bool, out *[]index.Result) {
	for _, e := range n.entries {
		// |d(q,p) - d(e,p)| <= d(q,e) rules the entry out without computing d(q,e).
		if hasParent && math.Abs(parentDist-e.parentDist) > radius+e.radius+pruneSlack {
			continue
		}

		d := t.distance(probe, e.point)
		if n.leaf {
			if d <= radius {
				*out = append(*out, index.Result{Key: e.key, Distance: d})
			}
			continue
		}
		if d <= radius+e.radius+pruneSlack {
			t.search(e.child, probe, radius, d, true, out)
		}
	}
}

// Height returns the number of levels in the tree.
func (t *Tree) Height() int {
	h := 1
	for n := t.root; !n.leaf; n = n.entries[0].child {
		h++
	}
	return h
}
