// Package lsh implements an approximate neighbor index with p-stable
// locality sensitive hashing.
//
// Each hash projects a point onto a gaussian random vector, adds a random
// bias in [0, w) and buckets the result with width w. A table concatenates
// several hashes; a query collects the points sharing the probe's bucket in
// any table and verifies them with the exact distance. Neighbors that land
// in other buckets in every table are missed, so recall is probabilistic.
package lsh

import (
	"encoding/binary"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/streamguard/pkg/index"
)

// Defaults follow the micro-cluster variant: five hashes per table, ten tables.
const (
	DefaultHashes = 5
	DefaultTables = 10
)

// Index is an LSH index. It is not safe for concurrent use.
type Index struct {
	dims     int
	nHashes  int
	nTables  int
	width    float64
	rng      *rand.Rand
	distance index.DistanceFunc

	tables []*table
	points map[int64][]float64
}

type hashFunc struct {
	projection []float64
	bias       float64
}

type table struct {
	hashes  []hashFunc
	buckets map[string]map[int64]struct{}
	// bucketOf remembers each key's bucket so Remove needs no rehash.
	bucketOf map[int64]string
}

// Option configures an Index.
type Option func(*Index)

// WithHashes sets the number of concatenated hashes per table.
func WithHashes(n int) Option {
	return func(ix *Index) {
		ix.nHashes = n
	}
}

// WithTables sets the number of hash tables.
func WithTables(n int) Option {
	return func(ix *Index) {
		ix.nTables = n
	}
}

// WithBucketWidth sets the bucket width w, usually the query radius.
func WithBucketWidth(w float64) Option {
	return func(ix *Index) {
		ix.width = w
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(ix *Index) {
		ix.rng = rand.New(rand.NewSource(seed))
	}
}

// WithDistance sets the metric used to verify candidates.
func WithDistance(fn index.DistanceFunc) Option {
	return func(ix *Index) {
		ix.distance = fn
	}
}

// New creates an empty index for points of the given dimension.
func New(dims int, opts ...Option) *Index {
	ix := &Index{
		dims:     dims,
		nHashes:  DefaultHashes,
		nTables:  DefaultTables,
		width:    1.0,
		rng:      rand.New(rand.NewSource(42)),
		distance: index.Euclidean,
		points:   make(map[int64][]float64),
	}

	for _, opt := range opts {
		opt(ix)
	}

	if ix.nHashes < 1 {
		ix.nHashes = 1
	}
	if ix.nTables < 1 {
		ix.nTables = 1
	}
	if !(ix.width > 0) {
		ix.width = 1.0
	}

	ix.tables = make([]*table, ix.nTables)
	for i := range ix.tables {
		ix.tables[i] = ix.newTable()
	}

	return ix
}

var _ index.NeighborIndex = (*Index)(nil)

func (ix *Index) newTable() *table {
	t := &table{
		hashes:   make([]hashFunc, ix.nHashes),
		buckets:  make(map[string]map[int64]struct{}),
		bucketOf: make(map[int64]string),
	}
	for i := range t.hashes {
		projection := make([]float64, ix.dims)
		for d := range projection {
			projection[d] = ix.rng.NormFloat64()
		}
		t.hashes[i] = hashFunc{
			projection: projection,
			bias:       ix.rng.Float64() * ix.width,
		}
	}
	return t
}

// bucket returns the concatenated hash of p as a map key.
func (ix *Index) bucket(t *table, p []float64) string {
	buf := make([]byte, 0, 8*len(t.hashes))
	for _, h := range t.hashes {
		v := math.Floor((floats.Dot(p, h.projection) + h.bias) / ix.width)
		buf = binary.AppendVarint(buf, int64(v))
	}
	return string(buf)
}

// Len returns the number of indexed keys.
func (ix *Index) Len() int {
	return len(ix.points)
}

// Insert adds point under key, replacing any point already stored for key.
func (ix *Index) Insert(key int64, point []float64) {
	if _, ok := ix.points[key]; ok {
		ix.Remove(key)
	}
	ix.points[key] = point

	for _, t := range ix.tables {
		b := ix.bucket(t, point)
		members, ok := t.buckets[b]
		if !ok {
			members = make(map[int64]struct{})
			t.buckets[b] = members
		}
		members[key] = struct{}{}
		t.bucketOf[key] = b
	}
}

// Remove deletes key and reports whether it was present.
func (ix *Index) Remove(key int64) bool {
	if _, ok := ix.points[key]; !ok {
		return false
	}
	delete(ix.points, key)

	for _, t := range ix.tables {
		b := t.bucketOf[key]
		delete(t.bucketOf, key)
		if members := t.buckets[b]; members != nil {
			delete(members, key)
			if len(members) == 0 {
				delete(t.buckets, b)
			}
		}
	}
	return true
}

// RangeQuery returns the candidates within radius of probe, ascending by
// distance and then by key. Points hashed away from probe in every table are
// not returned.
func (ix *Index) RangeQuery(probe []float64, radius float64) []index.Result {
	seen := make(map[int64]struct{})
	var results []index.Result

	for _, t := range ix.tables {
		for key := range t.buckets[ix.bucket(t, probe)] {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			if d := ix.distance(probe, ix.points[key]); d <= radius {
				results = append(results, index.Result{Key: key, Distance: d})
			}
		}
	}

	index.SortResults(results)
	return results
}
