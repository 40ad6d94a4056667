// Package csv reads numeric datasets from delimited text files.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/hed1ad/streamguard/pkg/detectors"
	streamio "github.com/hed1ad/streamguard/pkg/io"
)

// Reader reads stream objects from CSV data, one object per row. Ids are
// assigned in file order starting at detectors.FirstObjectID.
type Reader struct {
	closer    io.Closer
	reader    *csv.Reader
	hasHeader bool
	hasClass  bool
	logger    *slog.Logger
	headers   []string

	next    *detectors.Object
	nextID  int64
	dims    int
	line    int
	skipped int
}

var _ streamio.Reader = (*Reader)(nil)

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithClassColumn indicates the last column holds a class label, which is
// dropped.
func WithClassColumn(has bool) Option {
	return func(r *Reader) {
		r.hasClass = has
	}
}

// WithComma sets the field delimiter.
func WithComma(comma rune) Option {
	return func(r *Reader) {
		r.reader.Comma = comma
	}
}

// WithLogger sets the logger used to report skipped rows.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// NewReader opens filename and reads it as CSV.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := New(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// New reads CSV data from src.
func New(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader: csv.NewReader(src),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		nextID: detectors.FirstObjectID,
	}
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true
	r.reader.ReuseRecord = true

	for _, opt := range opts {
		opt(r)
	}

	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading header: %w", err)
		}
		r.headers = slices.Clone(headers)
		r.line++
	}

	if err := r.advance(); err != nil {
		return nil, err
	}
	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// HasNext reports whether another row is buffered.
func (r *Reader) HasNext() bool {
	return r.next != nil
}

// NextBatch returns up to n rows.
func (r *Reader) NextBatch(_ context.Context, n int) ([]detectors.Object, error) {
	batch := make([]detectors.Object, 0, n)
	for len(batch) < n && r.next != nil {
		batch = append(batch, *r.next)
		if err := r.advance(); err != nil {
			return batch, err
		}
	}
	return batch, nil
}

// Dimensions returns the number of features per row, fixed by the first
// well-formed row.
func (r *Reader) Dimensions() int {
	return r.dims
}

// Skipped returns the number of malformed rows skipped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// advance buffers the next well-formed row, or clears the buffer at the end
// of input.
func (r *Reader) advance() error {
	r.next = nil
	for {
		record, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		r.line++

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			r.skip(err)
			continue
		}
		if err != nil {
			return fmt.Errorf("reading line %d: %w", r.line, err)
		}
		if blank(record) {
			continue
		}

		values, err := r.parseRow(record)
		if err != nil {
			r.skip(err)
			continue
		}

		r.next = &detectors.Object{ID: r.nextID, Values: values}
		r.nextID++
		return nil
	}
}

func (r *Reader) skip(err error) {
	r.skipped++
	r.logger.Warn("skipping malformed row", slog.Int("line", r.line), slog.Any("error", err))
}

// parseRow converts a record to a feature vector.
func (r *Reader) parseRow(record []string) ([]float64, error) {
	if r.hasClass {
		record = record[:len(record)-1]
	}
	if len(record) == 0 {
		return nil, errors.New("empty row")
	}
	if r.dims != 0 && len(record) != r.dims {
		return nil, fmt.Errorf("%w: %d features, want %d", detectors.ErrDimensionMismatch, len(record), r.dims)
	}

	row := make([]float64, len(record))
	for i, val := range record {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, err
		}
		row[i] = f
	}
	if err := detectors.CheckFinite(row); err != nil {
		return nil, err
	}

	if r.dims == 0 {
		r.dims = len(row)
	}
	return row, nil
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
