// Package mcod implements continuous distance-based outlier detection over a
// sliding window using micro-clusters.
//
// A point is an inlier when at least k other points of the window lie within
// distance R of it. Dense regions are summarized by micro-clusters of radius
// R/2 whose members are inliers by construction; the remaining points are
// kept in a separate index with explicit neighbor bookkeeping, and an event
// queue re-evaluates them only when their oldest supporting neighbor leaves
// the window.
package mcod

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/hed1ad/streamguard/pkg/detectors"
	"github.com/hed1ad/streamguard/pkg/index"
	"github.com/hed1ad/streamguard/pkg/index/mtree"
)

// DefaultTheta is the micro-cluster formation threshold multiplier.
const DefaultTheta = 1.0

// IndexFactory builds a neighbor index for points of the given dimension.
type IndexFactory func(dims int) index.NeighborIndex

// MTreeFactory builds exact metric-tree indexes.
func MTreeFactory(opts ...mtree.Option) IndexFactory {
	return func(int) index.NeighborIndex {
		return mtree.New(opts...)
	}
}

// Detector is an MCOD outlier detector. It is not safe for concurrent use;
// independent detectors share nothing.
type Detector struct {
	cfg      detectors.Config
	theta    float64
	logger   *slog.Logger
	newIndex IndexFactory

	started     bool
	dims        int
	lastID      int64
	windowStart int64
	windowEnd   int64

	// window holds the points physically present, ascending by id.
	window []*node
	nodes  map[int64]*node

	clusters *clusterStore
	pd       *pdIndex
	events   eventQueue
	outliers map[int64]struct{}

	// released holds the members of the micro-cluster being dissolved.
	released map[int64]struct{}

	retired      detectors.Statistics
	rangeQueries int
	// safeInliers counts re-evaluated points kept alive by later arrivals
	// alone during the current slide.
	safeInliers int

	err error
}

var _ detectors.StreamDetector = (*Detector)(nil)

// Option configures a Detector.
type Option func(*Detector)

// WithTheta sets the micro-cluster formation threshold multiplier: a
// cluster forms once theta*k unclustered points lie within R/2.
func WithTheta(theta float64) Option {
	return func(d *Detector) {
		d.theta = theta
	}
}

// WithLogger sets the logger. Slide summaries are logged at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithIndex sets the neighbor index used for micro-cluster centers and for
// unclustered points.
func WithIndex(f IndexFactory) Option {
	return func(d *Detector) {
		d.newIndex = f
	}
}

// New creates a Detector for cfg.
func New(cfg detectors.Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Detector{
		cfg:      cfg,
		theta:    DefaultTheta,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		newIndex: MTreeFactory(),
		nodes:    make(map[int64]*node),
		outliers: make(map[int64]struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	if !(d.theta >= 1) {
		return nil, fmt.Errorf("%w: theta must be at least 1, got %v", detectors.ErrInvalidConfig, d.theta)
	}

	return d, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() detectors.Config {
	return d.cfg
}

// ProcessBatch ingests objs in order. Before an object beyond the window end
// is ingested the window slides, expiring the oldest points.
func (d *Detector) ProcessBatch(objs []detectors.Object) error {
	if d.err != nil {
		return d.err
	}

	for _, obj := range objs {
		if err := d.check(obj); err != nil {
			return err
		}

		if !d.started {
			d.start(obj)
		}
		for obj.ID > d.windowEnd {
			if err := d.slide(); err != nil {
				return d.fail(err)
			}
		}

		n := newNode(obj)
		d.window = append(d.window, n)
		d.nodes[n.id] = n
		d.lastID = n.id

		if err := d.processNewNode(n, true); err != nil {
			return d.fail(err)
		}
	}

	return nil
}

func (d *Detector) check(obj detectors.Object) error {
	if d.started && obj.ID <= d.lastID {
		return fmt.Errorf("%w: id %d after %d", detectors.ErrOutOfOrder, obj.ID, d.lastID)
	}
	if len(obj.Values) == 0 || (d.started && len(obj.Values) != d.dims) {
		return fmt.Errorf("%w: object %d has %d values, want %d",
			detectors.ErrDimensionMismatch, obj.ID, len(obj.Values), d.dims)
	}
	if err := detectors.CheckFinite(obj.Values); err != nil {
		return fmt.Errorf("object %d: %w", obj.ID, err)
	}
	return nil
}

func (d *Detector) start(first detectors.Object) {
	d.started = true
	d.dims = len(first.Values)
	d.windowStart = first.ID
	d.windowEnd = first.ID + int64(d.cfg.WindowSize) - 1
	d.clusters = newClusterStore(d.newIndex(d.dims))
	d.pd = newPDIndex(d.newIndex(d.dims))
}

func (d *Detector) fail(err error) error {
	if errors.Is(err, detectors.ErrCorruptedState) {
		d.err = err
		d.logger.Error("detector state corrupted", slog.Any("error", err))
	}
	return err
}

// slide advances the window by one slide and expires the points left behind.
func (d *Detector) slide() error {
	d.windowStart += int64(d.cfg.SlideSize)
	d.windowEnd += int64(d.cfg.SlideSize)
	d.safeInliers = 0

	cut := 0
	for cut < len(d.window) && d.window[cut].id < d.windowStart {
		cut++
	}
	expired := slices.Clone(d.window[:cut])
	clear(d.window[:cut])
	d.window = d.window[cut:]

	for _, x := range expired {
		if err := d.expire(x); err != nil {
			return err
		}
	}

	d.logger.Debug("window slid",
		slog.Int64("window_start", d.windowStart),
		slog.Int64("window_end", d.windowEnd),
		slog.Int("expired", len(expired)),
		slog.Int("micro_clusters", d.clusters.len()),
		slog.Int("pd_size", d.pd.size()),
		slog.Int("pending_events", d.events.len()),
		slog.Int("safe_inliers", d.safeInliers),
		slog.Int("outliers", len(d.outliers)))

	return nil
}

func (d *Detector) expire(x *node) error {
	if x.cluster != 0 {
		if err := d.leaveCluster(x); err != nil {
			return err
		}
	} else {
		d.pd.remove(x)
	}

	delete(d.nodes, x.id)
	d.retire(x)
	d.processEvents(x)
	return nil
}

// leaveCluster removes an expiring member from its micro-cluster and
// dissolves the cluster when fewer than k members remain.
func (d *Detector) leaveCluster(x *node) error {
	c := d.clusters.get(x.cluster)
	if c == nil {
		return fmt.Errorf("%w: point %d refers to missing micro-cluster %d",
			detectors.ErrCorruptedState, x.id, x.cluster)
	}
	c.remove(x.id)
	x.cluster = 0

	if c.size() >= d.cfg.K {
		return nil
	}

	if err := d.clusters.dissolve(c); err != nil {
		return err
	}
	d.logger.Debug("micro-cluster dissolved",
		slog.Int64("cluster", c.id),
		slog.Int64("expired_point", x.id),
		slog.Int("released", c.size()))

	d.released = make(map[int64]struct{}, c.size())
	for _, q := range c.members {
		q.cluster = 0
		d.released[q.id] = struct{}{}
	}
	defer func() { d.released = nil }()

	for _, q := range c.members {
		// Members expiring in this same slide are about to leave anyway.
		if q.id < d.windowStart {
			continue
		}
		q.reset()
		if err := d.processNewNode(q, false); err != nil {
			return err
		}
	}
	return nil
}

// retire folds the history of an expired point into the statistics. Only
// points that were never inliers stay recorded as outliers.
func (d *Detector) retire(x *node) {
	tally(&d.retired, x)
	if x.everInlier {
		delete(d.outliers, x.id)
	}
}

func tally(s *detectors.Statistics, n *node) {
	switch {
	case n.everInlier && n.everOutlier:
		s.Both++
	case n.everInlier:
		s.OnlyInlier++
	default:
		s.OnlyOutlier++
	}
}

// processEvents re-evaluates the unclustered points whose oldest preceding
// neighbor has left the window.
func (d *Detector) processEvents(expired *node) {
	for {
		e, ok := d.events.peekMin()
		if !ok || e.time > d.windowEnd {
			return
		}
		d.events.extractMin()

		x := d.nodes[e.id]
		if x == nil || x.id < d.windowStart || x.cluster != 0 || x.eventTime != e.time {
			continue
		}
		x.eventTime = 0
		delete(x.preceding, expired.id)

		if x.support(d.windowStart) < d.cfg.K {
			d.setClass(x, outlier)
			continue
		}
		if x.safe(d.cfg.K) {
			d.safeInliers++
		}
		d.schedule(x)
	}
}

// processNewNode classifies n and links it into the indexes. fresh is false
// for points released by a dissolved micro-cluster.
func (d *Detector) processNewNode(n *node, fresh bool) error {
	r := d.cfg.Radius

	hits, err := d.clusters.near(n.values, 1.5*r)
	if err != nil {
		return err
	}

	if len(hits) > 0 && hits[0].distance <= r/2 {
		c := hits[0].cluster
		d.joinCluster(n, c)

		for _, q := range d.pd.points() {
			if _, ok := q.candidates[c.id]; !ok || !d.relinkable(q, fresh) {
				continue
			}
			if index.Euclidean(q.values, n.values) <= r {
				d.addNeighbor(q, n, true)
			}
		}
		return nil
	}

	d.rangeQueries++
	var near, far []*node
	for _, hit := range d.pd.rangeQuery(n.values, 1.5*r) {
		q := hit.node
		if q.id < d.windowStart {
			continue
		}
		if hit.distance <= r {
			d.addNeighbor(n, q, false)
			if d.relinkable(q, fresh) {
				d.addNeighbor(q, n, true)
			}
		}
		if hit.distance <= r/2 {
			near = append(near, q)
		} else {
			far = append(far, q)
		}
	}

	if float64(len(near)) >= d.theta*float64(d.cfg.K) {
		c := d.clusters.create(n)
		d.joinCluster(n, c)
		for _, q := range near {
			d.pd.remove(q)
			d.joinCluster(q, c)
		}
		for _, q := range far {
			q.candidates[c.id] = struct{}{}
		}
		return nil
	}

	for _, hit := range hits {
		for _, q := range hit.cluster.members {
			if index.Euclidean(q.values, n.values) <= r {
				d.addNeighbor(n, q, false)
			}
		}
		n.candidates[hit.cluster.id] = struct{}{}
	}

	d.pd.insert(n)
	if n.support(d.windowStart) >= d.cfg.K {
		d.setClass(n, inlierNeighbors)
		d.schedule(n)
	} else {
		d.setClass(n, outlier)
	}
	return nil
}

// relinkable reports whether q should count the point being processed. A
// released point is already counted by every point outside the released set.
func (d *Detector) relinkable(q *node, fresh bool) bool {
	if fresh {
		return true
	}
	_, ok := d.released[q.id]
	return ok
}

// addNeighbor records b as a neighbor of a. With update set, an outlier
// that reaches k neighbors becomes an inlier and an inlier's event is kept
// on its oldest preceding neighbor.
func (d *Detector) addNeighbor(a, b *node, update bool) {
	if b.id < d.windowStart {
		return
	}

	if b.id < a.id {
		a.preceding[b.id] = struct{}{}
	} else {
		a.succeeding++
	}

	if !update {
		return
	}
	switch {
	case a.class == outlier && a.support(d.windowStart) >= d.cfg.K:
		d.setClass(a, inlierNeighbors)
		d.schedule(a)
	case a.class == inlierNeighbors && b.id < a.id:
		// A released point may be older than a's scheduled neighbor.
		d.schedule(a)
	}
}

func (d *Detector) joinCluster(n *node, c *cluster) {
	n.cluster = c.id
	c.add(n)
	d.setClass(n, inlierCluster)
}

func (d *Detector) setClass(n *node, c class) {
	n.class = c
	if c == outlier {
		n.everOutlier = true
		n.eventTime = 0
		d.outliers[n.id] = struct{}{}
		return
	}

	n.everInlier = true
	delete(d.outliers, n.id)
	if c == inlierCluster {
		n.eventTime = 0
	}
}

// schedule queues n for re-evaluation when its oldest preceding neighbor
// expires, that is once windowEnd reaches that neighbor's id plus W.
func (d *Detector) schedule(n *node) {
	oldest, ok := n.oldestPreceding(d.windowStart)
	if !ok {
		n.eventTime = 0
		return
	}

	// Not +W+1: the point must be re-evaluated in the slide that expires oldest.
	t := oldest + int64(d.cfg.WindowSize)
	if n.eventTime == t {
		return
	}
	n.eventTime = t
	d.events.insert(n.id, t)
}

// Finalize evaluates the points still in the window without evicting them:
// those that were ever inliers leave the outlier set. It returns the final
// statistics and may be called repeatedly.
func (d *Detector) Finalize() (detectors.Statistics, error) {
	if d.err != nil {
		return detectors.Statistics{}, d.err
	}

	for _, n := range d.window {
		if n.everInlier {
			delete(d.outliers, n.id)
		}
	}

	return d.Statistics(), nil
}

// Outliers returns the ids currently recorded as outliers, ascending.
func (d *Detector) Outliers() []int64 {
	ids := make([]int64, 0, len(d.outliers))
	for id := range d.outliers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Statistics returns the counters of expired points plus the points still
// in the window.
func (d *Detector) Statistics() detectors.Statistics {
	s := d.retired
	s.RangeQueries = d.rangeQueries
	for _, n := range d.window {
		tally(&s, n)
	}
	return s
}

// WindowBounds returns the inclusive id bounds of the window.
func (d *Detector) WindowBounds() (int64, int64) {
	return d.windowStart, d.windowEnd
}

// Len returns the number of points in the window.
func (d *Detector) Len() int {
	return len(d.window)
}

// ClusterCount returns the number of live micro-clusters.
func (d *Detector) ClusterCount() int {
	if d.clusters == nil {
		return 0
	}
	return d.clusters.len()
}

// PDSize returns the number of unclustered points.
func (d *Detector) PDSize() int {
	if d.pd == nil {
		return 0
	}
	return d.pd.size()
}
