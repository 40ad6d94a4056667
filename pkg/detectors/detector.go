// Package detectors provides the shared types of the streaming outlier detectors.
package detectors

import (
	"errors"
	"fmt"
	"math"
)

// FirstObjectID is the identifier readers assign to the first stream object.
const FirstObjectID int64 = 1

var (
	// ErrInvalidConfig reports a malformed or missing configuration value.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCorruptedState reports an internal consistency failure. A detector
	// that returned it must not be used further.
	ErrCorruptedState = errors.New("corrupted detector state")

	// ErrOutOfOrder reports a stream object whose id does not increase.
	ErrOutOfOrder = errors.New("stream object out of order")

	// ErrDimensionMismatch reports a stream object with an unexpected length.
	ErrDimensionMismatch = errors.New("stream object dimension mismatch")

	// ErrNonFinite reports a stream object holding NaN or an infinity.
	ErrNonFinite = errors.New("stream object has non-finite value")
)

// Object is an immutable stream object.
type Object struct {
	// ID is assigned by the reader in strictly increasing order.
	ID int64
	// Values is the fixed-dimension feature vector.
	Values []float64
}

// CheckFinite returns an error wrapping ErrNonFinite when values holds NaN
// or an infinity. Distances to such a point are meaningless.
func CheckFinite(values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %v at position %d", ErrNonFinite, v, i)
		}
	}
	return nil
}

// StreamDetector is the common interface for sliding-window outlier detectors.
type StreamDetector interface {
	// ProcessBatch ingests one slide's worth of arrivals, sliding the
	// window first when it is full.
	ProcessBatch(objs []Object) error

	// Finalize evaluates the points still in the window at stream end and
	// returns the final statistics. Calling it repeatedly is safe.
	Finalize() (Statistics, error)

	// Outliers returns the identifiers currently recorded as outliers.
	Outliers() []int64

	// Statistics returns the classification counters.
	Statistics() Statistics
}

// Statistics summarizes the classification history of every point seen.
type Statistics struct {
	OnlyInlier   int `json:"only_inlier" yaml:"only_inlier"`
	OnlyOutlier  int `json:"only_outlier" yaml:"only_outlier"`
	Both         int `json:"both_inlier_outlier" yaml:"both_inlier_outlier"`
	RangeQueries int `json:"range_queries" yaml:"range_queries"`
}

// Total returns the number of classified points.
func (s Statistics) Total() int {
	return s.OnlyInlier + s.OnlyOutlier + s.Both
}

// Map returns the counters keyed by their historical report names.
func (s Statistics) Map() map[string]int {
	return map[string]int{
		"nOnlyInlier":           s.OnlyInlier,
		"nOnlyOutlier":          s.OnlyOutlier,
		"nBothInlierOutlier":    s.Both,
		"nRangeQueriesExecuted": s.RangeQueries,
	}
}

// Config holds common configuration for sliding-window detectors.
type Config struct {
	// WindowSize is the number of stream objects in the window.
	WindowSize int `yaml:"window"`
	// SlideSize is the number of objects the window advances per slide.
	SlideSize int `yaml:"slide"`
	// Radius is the neighbor distance threshold R.
	Radius float64 `yaml:"radius"`
	// K is the number of neighbors an inlier needs.
	K int `yaml:"k"`
}

// DefaultConfig returns sensible defaults for detector configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize: 1000,
		SlideSize:  100,
		Radius:     1.0,
		K:          50,
	}
}

// Validate checks the configuration, wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.WindowSize < 1:
		return fmt.Errorf("%w: window size must be positive, got %d", ErrInvalidConfig, c.WindowSize)
	case c.SlideSize < 1:
		return fmt.Errorf("%w: slide size must be positive, got %d", ErrInvalidConfig, c.SlideSize)
	case c.SlideSize > c.WindowSize:
		return fmt.Errorf("%w: slide size %d exceeds window size %d", ErrInvalidConfig, c.SlideSize, c.WindowSize)
	case !(c.Radius > 0):
		return fmt.Errorf("%w: radius must be positive, got %v", ErrInvalidConfig, c.Radius)
	case c.K < 1:
		return fmt.Errorf("%w: k must be at least 1, got %d", ErrInvalidConfig, c.K)
	}
	return nil
}
