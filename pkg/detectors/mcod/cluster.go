package mcod

import (
	"fmt"
	"slices"

	"github.com/hed1ad/streamguard/pkg/detectors"
	"github.com/hed1ad/streamguard/pkg/index"
)

// cluster is a micro-cluster: members lie within R/2 of center, hence
// within R of each other.
type cluster struct {
	id      int64
	center  []float64
	members []*node
}

func (c *cluster) add(n *node) {
	c.members = append(c.members, n)
}

func (c *cluster) remove(id int64) bool {
	for i, m := range c.members {
		if m.id == id {
			c.members = slices.Delete(c.members, i, i+1)
			return true
		}
	}
	return false
}

func (c *cluster) size() int {
	return len(c.members)
}

// clusterHit is a micro-cluster found by a center query.
type clusterHit struct {
	cluster  *cluster
	distance float64
}

// clusterStore owns the live micro-clusters and indexes them by center.
type clusterStore struct {
	index    index.NeighborIndex
	clusters map[int64]*cluster
	lastID   int64
}

func newClusterStore(idx index.NeighborIndex) *clusterStore {
	return &clusterStore{
		index:    idx,
		clusters: make(map[int64]*cluster),
	}
}

// create registers a new micro-cluster centered on center. The caller adds
// the members.
func (s *clusterStore) create(center *node) *cluster {
	s.lastID++
	c := &cluster{id: s.lastID, center: center.values}
	s.clusters[c.id] = c
	s.index.Insert(c.id, c.center)
	return c
}

func (s *clusterStore) get(id int64) *cluster {
	return s.clusters[id]
}

func (s *clusterStore) len() int {
	return len(s.clusters)
}

// near returns the micro-clusters whose centers lie within radius of p,
// nearest first.
func (s *clusterStore) near(p []float64, radius float64) ([]clusterHit, error) {
	results := s.index.RangeQuery(p, radius)
	hits := make([]clusterHit, 0, len(results))
	for _, r := range results {
		c, ok := s.clusters[r.Key]
		if !ok {
			return nil, fmt.Errorf("%w: micro-cluster %d indexed but not live", detectors.ErrCorruptedState, r.Key)
		}
		hits = append(hits, clusterHit{cluster: c, distance: r.Distance})
	}
	return hits, nil
}

// dissolve drops c from the store and the center index. Both must agree
// that c was present.
func (s *clusterStore) dissolve(c *cluster) error {
	indexed := s.index.Remove(c.id)
	_, live := s.clusters[c.id]
	delete(s.clusters, c.id)

	if indexed != live {
		return fmt.Errorf("%w: micro-cluster %d removal mismatch (indexed=%t live=%t)",
			detectors.ErrCorruptedState, c.id, indexed, live)
	}
	return nil
}
