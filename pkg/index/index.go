// Package index defines the neighbor-index capability shared by the exact
// metric tree and the approximate hash index.
package index

import (
	"cmp"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// NeighborIndex stores keyed points and answers radius queries.
type NeighborIndex interface {
	// Insert adds point under key. Keys are unique; inserting a present
	// key replaces its point.
	Insert(key int64, point []float64)

	// Remove deletes key and reports whether it was present.
	Remove(key int64) bool

	// RangeQuery returns every indexed point within radius of probe
	// (inclusive), ascending by distance and then by key.
	RangeQuery(probe []float64, radius float64) []Result

	// Len returns the number of indexed keys.
	Len() int
}

// Result is a single range query match.
type Result struct {
	Key      int64
	Distance float64
}

// DistanceFunc measures the distance between two points of equal dimension.
type DistanceFunc func(a, b []float64) float64

// Euclidean returns the L2 distance between a and b.
func Euclidean(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

// SortResults orders results ascending by distance, ties by key.
func SortResults(results []Result) {
	slices.SortFunc(results, func(a, b Result) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
}
