package mcod

import "github.com/hed1ad/streamguard/pkg/index"

// pdHit is an unclustered point found by a range query.
type pdHit struct {
	node     *node
	distance float64
}

// pdIndex holds the points that belong to no micro-cluster.
type pdIndex struct {
	index index.NeighborIndex
	nodes map[int64]*node
}

func newPDIndex(idx index.NeighborIndex) *pdIndex {
	return &pdIndex{
		index: idx,
		nodes: make(map[int64]*node),
	}
}

func (p *pdIndex) insert(n *node) {
	p.nodes[n.id] = n
	p.index.Insert(n.id, n.values)
}

func (p *pdIndex) remove(n *node) bool {
	if _, ok := p.nodes[n.id]; !ok {
		return false
	}
	delete(p.nodes, n.id)
	p.index.Remove(n.id)
	return true
}

func (p *pdIndex) contains(n *node) bool {
	_, ok := p.nodes[n.id]
	return ok
}

func (p *pdIndex) rangeQuery(probe []float64, radius float64) []pdHit {
	results := p.index.RangeQuery(probe, radius)
	hits := make([]pdHit, 0, len(results))
	for _, r := range results {
		if n, ok := p.nodes[r.Key]; ok {
			hits = append(hits, pdHit{node: n, distance: r.Distance})
		}
	}
	return hits
}

// points returns every unclustered point in no particular order.
func (p *pdIndex) points() []*node {
	out := make([]*node, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n)
	}
	return out
}

func (p *pdIndex) size() int {
	return len(p.nodes)
}
