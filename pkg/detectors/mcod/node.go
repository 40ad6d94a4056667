package mcod

import "github.com/hed1ad/streamguard/pkg/detectors"

// class is the classification of a tracked point.
type class int

const (
	unresolved class = iota
	outlier
	inlierCluster
	inlierNeighbors
)

func (c class) String() string {
	switch c {
	case outlier:
		return "outlier"
	case inlierCluster:
		return "inlier-cluster"
	case inlierNeighbors:
		return "inlier-neighbors"
	default:
		return "unresolved"
	}
}

// node wraps a stream object with its neighbor bookkeeping.
type node struct {
	id     int64
	values []float64
	class  class

	// succeeding counts later arrivals within R. They outlive the node, so
	// the count never has to shrink.
	succeeding int
	// preceding holds the ids of earlier arrivals within R.
	preceding map[int64]struct{}

	// cluster is the owning micro-cluster id, zero when unclustered.
	cluster int64
	// candidates holds ids of micro-clusters whose center lies within
	// 1.5R but which did not admit the node.
	candidates map[int64]struct{}

	// eventTime is the time of the node's live event queue entry, zero
	// when it has none.
	eventTime int64

	everInlier  bool
	everOutlier bool
}

func newNode(obj detectors.Object) *node {
	return &node{
		id:         obj.ID,
		values:     obj.Values,
		preceding:  make(map[int64]struct{}),
		candidates: make(map[int64]struct{}),
	}
}

// reset clears neighbor bookkeeping ahead of reprocessing. History flags
// are kept.
func (n *node) reset() {
	n.class = unresolved
	n.succeeding = 0
	clear(n.preceding)
	n.cluster = 0
	clear(n.candidates)
	n.eventTime = 0
}

// countPreceding returns the number of preceding neighbors still in the
// window, dropping the expired ones.
func (n *node) countPreceding(windowStart int64) int {
	for id := range n.preceding {
		if id < windowStart {
			delete(n.preceding, id)
		}
	}
	return len(n.preceding)
}

// oldestPreceding returns the smallest preceding neighbor id in the window.
func (n *node) oldestPreceding(windowStart int64) (int64, bool) {
	var oldest int64
	found := false
	for id := range n.preceding {
		if id < windowStart {
			continue
		}
		if !found || id < oldest {
			oldest, found = id, true
		}
	}
	return oldest, found
}

// support returns the number of in-window neighbors.
func (n *node) support(windowStart int64) int {
	return n.succeeding + n.countPreceding(windowStart)
}

// safe reports whether later arrivals alone keep the node an inlier.
func (n *node) safe(k int) bool {
	return n.succeeding >= k
}
