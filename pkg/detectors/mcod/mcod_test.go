package mcod

import (
	"bytes"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/streamguard/pkg/detectors"
	"github.com/hed1ad/streamguard/pkg/index"
	"github.com/hed1ad/streamguard/pkg/index/lsh"
	"github.com/hed1ad/streamguard/pkg/index/mtree"
)

func TestNew(t *testing.T) {
	valid := detectors.Config{WindowSize: 10, SlideSize: 5, Radius: 1, K: 2}

	tests := []struct {
		name      string
		cfg       detectors.Config
		opts      []Option
		wantErr   bool
		wantTheta float64
	}{
		{
			name:      "default configuration",
			cfg:       detectors.DefaultConfig(),
			wantTheta: DefaultTheta,
		},
		{
			name:      "custom theta",
			cfg:       valid,
			opts:      []Option{WithTheta(2)},
			wantTheta: 2,
		},
		{
			name:    "theta below one",
			cfg:     valid,
			opts:    []Option{WithTheta(0.5)},
			wantErr: true,
		},
		{
			name:    "zero radius",
			cfg:     detectors.Config{WindowSize: 10, SlideSize: 5, Radius: 0, K: 2},
			wantErr: true,
		},
		{
			name:    "slide larger than window",
			cfg:     detectors.Config{WindowSize: 4, SlideSize: 5, Radius: 1, K: 2},
			wantErr: true,
		},
		{
			name:    "zero k",
			cfg:     detectors.Config{WindowSize: 4, SlideSize: 2, Radius: 1, K: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.cfg, tt.opts...)
			if tt.wantErr {
				assert.ErrorIs(t, err, detectors.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTheta, d.theta)
			assert.Equal(t, tt.cfg, d.Config())
			assert.Zero(t, d.Len())
			assert.Zero(t, d.ClusterCount())
			assert.Zero(t, d.PDSize())
		})
	}
}

func TestIsolatedPairs(t *testing.T) {
	d, err := New(detectors.Config{WindowSize: 4, SlideSize: 2, Radius: 1, K: 1})
	require.NoError(t, err)

	require.NoError(t, d.ProcessBatch(objects(1, 0.0, 0.1)))
	require.NoError(t, d.ProcessBatch(objects(3, 5.0, 5.1)))
	checkInvariants(t, d)

	assert.Empty(t, d.Outliers())
	assert.Equal(t, 2, d.ClusterCount())
	for id := int64(1); id <= 4; id++ {
		assert.NotEqual(t, outlier, d.nodes[id].class, "point %d", id)
	}

	require.NoError(t, d.ProcessBatch(objects(5, 10.0)))
	checkInvariants(t, d)

	start, end := d.WindowBounds()
	assert.Equal(t, int64(3), start)
	assert.Equal(t, int64(6), end)
	assert.Equal(t, outlier, d.nodes[5].class)
	assert.Equal(t, []int64{5}, d.Outliers())

	want := detectors.Statistics{OnlyInlier: 2, OnlyOutlier: 1, Both: 2, RangeQueries: 5}
	if diff := cmp.Diff(want, d.Statistics()); diff != "" {
		t.Errorf("Statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestNoClusterBelowThreshold(t *testing.T) {
	d, err := New(detectors.Config{WindowSize: 10, SlideSize: 5, Radius: 1, K: 3})
	require.NoError(t, err)

	require.NoError(t, d.ProcessBatch(objects(1, 0.0)))
	require.NoError(t, d.ProcessBatch(objects(2, 0.1)))
	checkInvariants(t, d)

	assert.Zero(t, d.ClusterCount())
	assert.Equal(t, 2, d.PDSize())
	assert.Equal(t, []int64{1, 2}, d.Outliers())

	t.Run("third point still short", func(t *testing.T) {
		require.NoError(t, d.ProcessBatch(objects(3, 0.2)))
		checkInvariants(t, d)
		assert.Zero(t, d.ClusterCount())
		assert.Equal(t, 3, d.PDSize())
	})

	t.Run("fourth point forms cluster", func(t *testing.T) {
		require.NoError(t, d.ProcessBatch(objects(4, 0.15)))
		checkInvariants(t, d)
		assert.Equal(t, 1, d.ClusterCount())
		assert.Zero(t, d.PDSize())
		assert.Empty(t, d.Outliers())
	})
}

func TestAdmissionAtHalfRadius(t *testing.T) {
	d, err := New(detectors.Config{WindowSize: 10, SlideSize: 5, Radius: 1, K: 1})
	require.NoError(t, err)

	require.NoError(t, d.ProcessBatch(objects(1, 0.0, 0.5)))
	require.Equal(t, 1, d.ClusterCount())
	queries := d.Statistics().RangeQueries

	require.NoError(t, d.ProcessBatch(objects(3, 1.0)))
	checkInvariants(t, d)

	assert.Equal(t, inlierCluster, d.nodes[3].class)
	assert.Equal(t, 1, d.ClusterCount())
	assert.Zero(t, d.PDSize())
	assert.Equal(t, queries, d.Statistics().RangeQueries, "direct admission needs no point query")
}

func TestNeighborAtExactRadius(t *testing.T) {
	d, err := New(detectors.Config{WindowSize: 10, SlideSize: 5, Radius: 1, K: 1}, WithTheta(5))
	require.NoError(t, err)

	require.NoError(t, d.ProcessBatch(objects(1, 0.0, 1.0)))
	checkInvariants(t, d)

	assert.Equal(t, inlierNeighbors, d.nodes[1].class)
	assert.Equal(t, inlierNeighbors, d.nodes[2].class)
	assert.Empty(t, d.Outliers())
}

func TestDissolution(t *testing.T) {
	d, err := New(detectors.Config{WindowSize: 4, SlideSize: 2, Radius: 1, K: 2})
	require.NoError(t, err)

	require.NoError(t, d.ProcessBatch(objects(1, 0.0, 0.1)))
	require.NoError(t, d.ProcessBatch(objects(3, 0.2, 5.0)))
	checkInvariants(t, d)
	require.Equal(t, 1, d.ClusterCount())
	first := d.nodes[3].cluster

	require.NoError(t, d.ProcessBatch(objects(5, 0.25, 0.3)))
	checkInvariants(t, d)

	assert.Nil(t, d.clusters.get(first), "cluster below k must be dissolved")
	require.Equal(t, 1, d.ClusterCount())
	c := d.clusters.get(d.nodes[6].cluster)
	require.NotNil(t, c)
	assert.ElementsMatch(t, []int64{3, 5, 6}, memberIDs(c))

	assert.Equal(t, []int64{4}, d.Outliers())
	want := detectors.Statistics{OnlyInlier: 1, OnlyOutlier: 1, Both: 4, RangeQueries: 7}
	if diff := cmp.Diff(want, d.Statistics()); diff != "" {
		t.Errorf("Statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestInlierLosesSupport(t *testing.T) {
	d, err := New(detectors.Config{WindowSize: 2, SlideSize: 1, Radius: 1, K: 1}, WithTheta(10))
	require.NoError(t, err)

	require.NoError(t, d.ProcessBatch(objects(1, 0.0)))
	require.NoError(t, d.ProcessBatch(objects(2, 0.5)))
	checkInvariants(t, d)
	require.Equal(t, inlierNeighbors, d.nodes[2].class)
	require.NotZero(t, d.nodes[2].eventTime)

	require.NoError(t, d.ProcessBatch(objects(3, 9.0)))
	checkInvariants(t, d)

	assert.Equal(t, outlier, d.nodes[2].class)
	assert.Equal(t, []int64{2, 3}, d.Outliers())

	_, err = d.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, d.Outliers(), "point 2 was an inlier once")
}

func TestFinalizeIdempotent(t *testing.T) {
	d, err := New(detectors.Config{WindowSize: 50, SlideSize: 10, Radius: 0.8, K: 3})
	require.NoError(t, err)
	feed(t, d, generateStream(rand.New(rand.NewSource(11)), 200, 2), 10)

	first, err := d.Finalize()
	require.NoError(t, err)
	outliers := d.Outliers()

	second, err := d.Finalize()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, outliers, d.Outliers())
	assert.Equal(t, 200, first.Total())
}

func TestRejectsBadObjects(t *testing.T) {
	d, err := New(detectors.Config{WindowSize: 10, SlideSize: 5, Radius: 1, K: 1})
	require.NoError(t, err)
	require.NoError(t, d.ProcessBatch(objects(5, 0.0)))

	tests := []struct {
		name    string
		obj     detectors.Object
		wantErr error
	}{
		{
			name:    "repeated id",
			obj:     detectors.Object{ID: 5, Values: []float64{1}},
			wantErr: detectors.ErrOutOfOrder,
		},
		{
			name:    "older id",
			obj:     detectors.Object{ID: 2, Values: []float64{1}},
			wantErr: detectors.ErrOutOfOrder,
		},
		{
			name:    "wrong dimension",
			obj:     detectors.Object{ID: 6, Values: []float64{1, 2}},
			wantErr: detectors.ErrDimensionMismatch,
		},
		{
			name:    "empty vector",
			obj:     detectors.Object{ID: 7},
			wantErr: detectors.ErrDimensionMismatch,
		},
		{
			name:    "NaN value",
			obj:     detectors.Object{ID: 8, Values: []float64{math.NaN()}},
			wantErr: detectors.ErrNonFinite,
		},
		{
			name:    "infinite value",
			obj:     detectors.Object{ID: 9, Values: []float64{math.Inf(-1)}},
			wantErr: detectors.ErrNonFinite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.ProcessBatch([]detectors.Object{tt.obj})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 1, d.Len())
		})
	}

	assert.NoError(t, d.ProcessBatch(objects(6, 1.0)), "rejections are not fatal")
}

func TestCorruptedStateIsFatal(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	d, err := New(detectors.Config{WindowSize: 2, SlideSize: 2, Radius: 1, K: 1}, WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, d.ProcessBatch(objects(1, 0.0, 0.1)))
	require.Equal(t, 1, d.ClusterCount())

	// Drop the cluster from the center index behind the store's back.
	require.True(t, d.clusters.index.Remove(d.nodes[2].cluster))

	err = d.ProcessBatch(objects(3, 7.0, 7.1))
	require.ErrorIs(t, err, detectors.ErrCorruptedState)
	assert.Contains(t, logs.String(), "detector state corrupted")

	assert.ErrorIs(t, d.ProcessBatch(objects(5, 1.0)), detectors.ErrCorruptedState)
	_, err = d.Finalize()
	assert.ErrorIs(t, err, detectors.ErrCorruptedState)
}

func TestLongIDGapSlidesRepeatedly(t *testing.T) {
	d, err := New(detectors.Config{WindowSize: 4, SlideSize: 2, Radius: 1, K: 1})
	require.NoError(t, err)

	require.NoError(t, d.ProcessBatch(objects(1, 0.0, 0.1, 0.2, 0.3)))
	require.NoError(t, d.ProcessBatch(objects(20, 0.0)))
	checkInvariants(t, d)

	start, end := d.WindowBounds()
	assert.Equal(t, int64(17), start)
	assert.Equal(t, int64(20), end)
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, []int64{20}, d.Outliers())
	assert.Equal(t, 5, d.Statistics().Total())
}

func TestMatchesBruteForce(t *testing.T) {
	tests := []struct {
		name  string
		cfg   detectors.Config
		theta float64
		dims  int
	}{
		{
			name:  "dense clusters",
			cfg:   detectors.Config{WindowSize: 60, SlideSize: 10, Radius: 1.0, K: 4},
			theta: 1,
			dims:  2,
		},
		{
			name:  "k of one",
			cfg:   detectors.Config{WindowSize: 30, SlideSize: 5, Radius: 0.5, K: 1},
			theta: 1,
			dims:  2,
		},
		{
			name:  "high theta keeps points unclustered",
			cfg:   detectors.Config{WindowSize: 40, SlideSize: 8, Radius: 1.2, K: 3},
			theta: 3,
			dims:  3,
		},
		{
			name:  "window not a multiple of slide",
			cfg:   detectors.Config{WindowSize: 45, SlideSize: 7, Radius: 0.9, K: 5},
			theta: 1,
			dims:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.cfg, WithTheta(tt.theta))
			require.NoError(t, err)

			objs := generateStream(rand.New(rand.NewSource(int64(tt.cfg.WindowSize))), 600, tt.dims)
			for i := 0; i < len(objs); i += tt.cfg.SlideSize {
				end := min(i+tt.cfg.SlideSize, len(objs))
				require.NoError(t, d.ProcessBatch(objs[i:end]))
				checkInvariants(t, d)
				checkExact(t, d)
			}
		})
	}
}

func TestDeterministic(t *testing.T) {
	cfg := detectors.Config{WindowSize: 80, SlideSize: 20, Radius: 0.7, K: 4}
	objs := generateStream(rand.New(rand.NewSource(5)), 500, 2)

	run := func() ([]int64, detectors.Statistics) {
		d, err := New(cfg)
		require.NoError(t, err)
		feed(t, d, objs, cfg.SlideSize)
		stats, err := d.Finalize()
		require.NoError(t, err)
		return d.Outliers(), stats
	}

	o1, s1 := run()
	o2, s2 := run()
	assert.Equal(t, o1, o2)
	assert.Equal(t, s1, s2)
}

func TestLSHIndex(t *testing.T) {
	cfg := detectors.Config{WindowSize: 60, SlideSize: 10, Radius: 1.0, K: 4}
	factory := func(dims int) index.NeighborIndex {
		return lsh.New(dims, lsh.WithBucketWidth(1.5*cfg.Radius), lsh.WithSeed(1))
	}

	d, err := New(cfg, WithIndex(factory))
	require.NoError(t, err)

	objs := generateStream(rand.New(rand.NewSource(2)), 300, 2)
	for i := 0; i < len(objs); i += cfg.SlideSize {
		require.NoError(t, d.ProcessBatch(objs[i:i+cfg.SlideSize]))
		checkInvariants(t, d)
	}

	stats, err := d.Finalize()
	require.NoError(t, err)
	assert.Equal(t, len(objs), stats.Total())
}

func TestCustomTreeCapacity(t *testing.T) {
	cfg := detectors.Config{WindowSize: 60, SlideSize: 10, Radius: 1.0, K: 4}
	exact, err := New(cfg)
	require.NoError(t, err)
	small, err := New(cfg, WithIndex(MTreeFactory(mtree.WithCapacity(3))))
	require.NoError(t, err)

	objs := generateStream(rand.New(rand.NewSource(8)), 300, 2)
	feed(t, exact, objs, cfg.SlideSize)
	feed(t, small, objs, cfg.SlideSize)

	assert.Equal(t, exact.Outliers(), small.Outliers())
	assert.Equal(t, exact.Statistics(), small.Statistics())
}

// checkInvariants verifies the bookkeeping properties that must hold
// between batches.
func checkInvariants(t *testing.T, d *Detector) {
	t.Helper()
	k := d.cfg.K

	require.Len(t, d.nodes, len(d.window))
	for i, n := range d.window {
		if i > 0 {
			require.Less(t, d.window[i-1].id, n.id, "window must be ordered by id")
		}
		require.GreaterOrEqual(t, n.id, d.windowStart)
		require.LessOrEqual(t, n.id, d.windowEnd)

		inPD := d.pd.contains(n)
		if n.cluster != 0 {
			require.False(t, inPD, "point %d is clustered and unclustered", n.id)
			c := d.clusters.get(n.cluster)
			require.NotNil(t, c, "point %d refers to a dead cluster", n.id)
			assert.Contains(t, memberIDs(c), n.id)
			assert.Equal(t, inlierCluster, n.class)
			assert.Zero(t, n.eventTime)
			continue
		}
		require.True(t, inPD, "point %d is in neither set", n.id)

		support := n.support(d.windowStart)
		if support >= k {
			assert.Equal(t, inlierNeighbors, n.class, "point %d has %d neighbors", n.id, support)
		} else {
			assert.Equal(t, outlier, n.class, "point %d has %d neighbors", n.id, support)
		}

		_, recorded := d.outliers[n.id]
		assert.Equal(t, n.class == outlier, recorded, "outlier set entry for point %d", n.id)

		oldest, ok := n.oldestPreceding(d.windowStart)
		if n.class == inlierNeighbors && ok {
			assert.Equal(t, oldest+int64(d.cfg.WindowSize), n.eventTime, "event time of point %d", n.id)
			assert.True(t, queued(d, n.id, n.eventTime), "point %d has no queued event", n.id)
		} else {
			assert.Zero(t, n.eventTime, "point %d must not be scheduled", n.id)
		}
	}
	require.Equal(t, d.pd.size()+clusteredCount(d), len(d.window))

	for _, c := range d.clusters.clusters {
		assert.GreaterOrEqual(t, c.size(), k, "cluster %d below k", c.id)
		for _, m := range c.members {
			assert.Equal(t, c.id, m.cluster)
			assert.LessOrEqual(t, index.Euclidean(m.values, c.center), d.cfg.Radius/2)
		}
	}
	assert.Equal(t, d.clusters.len(), d.clusters.index.Len())
}

// checkExact compares neighbor counts of unclustered points with a scan of
// the whole window.
func checkExact(t *testing.T, d *Detector) {
	t.Helper()

	for _, n := range d.window {
		if n.cluster != 0 {
			continue
		}
		want := 0
		for _, q := range d.window {
			if q.id != n.id && index.Euclidean(n.values, q.values) <= d.cfg.Radius {
				want++
			}
		}
		assert.Equal(t, want, n.support(d.windowStart), "neighbors of point %d", n.id)
	}
}

func queued(d *Detector, id, time int64) bool {
	for _, e := range d.events.h {
		if e.id == id && e.time == time {
			return true
		}
	}
	return false
}

func clusteredCount(d *Detector) int {
	total := 0
	for _, c := range d.clusters.clusters {
		total += c.size()
	}
	return total
}

func memberIDs(c *cluster) []int64 {
	ids := make([]int64, 0, c.size())
	for _, m := range c.members {
		ids = append(ids, m.id)
	}
	return ids
}

// objects builds one-dimensional objects with consecutive ids from first.
func objects(first int64, positions ...float64) []detectors.Object {
	objs := make([]detectors.Object, len(positions))
	for i, p := range positions {
		objs[i] = detectors.Object{ID: first + int64(i), Values: []float64{p}}
	}
	return objs
}

func feed(t testing.TB, d *Detector, objs []detectors.Object, batch int) {
	t.Helper()
	for i := 0; i < len(objs); i += batch {
		end := min(i+batch, len(objs))
		require.NoError(t, d.ProcessBatch(objs[i:end]))
	}
}

// generateStream mixes a few drifting gaussian blobs with uniform noise.
func generateStream(rng *rand.Rand, n, dims int) []detectors.Object {
	centers := make([][]float64, 3)
	for i := range centers {
		centers[i] = make([]float64, dims)
		for j := range centers[i] {
			centers[i][j] = rng.Float64() * 10
		}
	}

	objs := make([]detectors.Object, n)
	for i := range objs {
		v := make([]float64, dims)
		if rng.Float64() < 0.15 {
			for j := range v {
				v[j] = rng.Float64()*14 - 2
			}
		} else {
			c := centers[rng.Intn(len(centers))]
			for j := range v {
				v[j] = c[j] + rng.NormFloat64()*0.4
			}
		}
		objs[i] = detectors.Object{ID: detectors.FirstObjectID + int64(i), Values: v}
	}
	return objs
}

func BenchmarkProcessBatch(b *testing.B) {
	cfg := detectors.Config{WindowSize: 1000, SlideSize: 100, Radius: 0.5, K: 10}
	objs := generateStream(rand.New(rand.NewSource(1)), 5000, 4)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d, _ := New(cfg)
		feed(b, d, objs, cfg.SlideSize)
	}
}
