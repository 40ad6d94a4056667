// Package io provides stream sources and result sinks for detectors.
package io

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hed1ad/streamguard/pkg/detectors"
)

// Reader is the interface for pulling stream objects from a source.
type Reader interface {
	// HasNext reports whether more objects may follow.
	HasNext() bool

	// NextBatch returns up to n objects with strictly increasing ids. A
	// short or empty batch is returned when the source ends.
	NextBatch(ctx context.Context, n int) ([]detectors.Object, error)

	// Dimensions returns the vector dimension, zero while unknown.
	Dimensions() int

	// Close releases resources.
	Close() error
}

// FeatureExtractor extracts numerical features from raw records.
type FeatureExtractor[T any] interface {
	// Extract converts a raw record to a feature vector.
	Extract(record T) []float64

	// FeatureNames returns the names of extracted features.
	FeatureNames() []string
}

// Writer is the interface for writing detection results.
type Writer interface {
	// Write outputs the result of a run.
	Write(result Result) error

	// Close releases resources.
	Close() error
}

// Result is the outcome of a detection run.
type Result struct {
	Outliers   []int64              `json:"outliers"`
	Statistics detectors.Statistics `json:"statistics"`
	Objects    int                  `json:"objects"`
	Elapsed    time.Duration        `json:"elapsed"`
}

type multiWriter []Writer

// MultiWriter returns a Writer that writes to every w in turn. All writers
// are attempted; their errors are joined.
func MultiWriter(writers ...Writer) Writer {
	return multiWriter(writers)
}

func (m multiWriter) Write(result Result) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiWriter) Close() error {
	var errs []error
	for _, w := range m {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Drain feeds r into det in batches of n objects until r is exhausted. The
// context is checked between batches, never inside one. It returns the
// number of objects ingested.
func Drain(ctx context.Context, r Reader, det detectors.StreamDetector, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("%w: batch size must be positive, got %d", detectors.ErrInvalidConfig, n)
	}

	total := 0
	for r.HasNext() {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch, err := r.NextBatch(ctx, n)
		if err != nil {
			return total, fmt.Errorf("reading batch: %w", err)
		}
		if len(batch) == 0 {
			continue
		}

		if err := det.ProcessBatch(batch); err != nil {
			return total, fmt.Errorf("processing batch at id %d: %w", batch[0].ID, err)
		}
		total += len(batch)
	}

	return total, nil
}
