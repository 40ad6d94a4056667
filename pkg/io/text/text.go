// Package text writes detection results as plain text: an outliers file
// with one id per line and a human-readable statistics report.
package text

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	streamio "github.com/hed1ad/streamguard/pkg/io"
)

// WriteOutliers writes ids to w, one decimal id per line.
func WriteOutliers(w io.Writer, ids []int64) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 20)
	for _, id := range ids {
		buf = strconv.AppendInt(buf[:0], id, 10)
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteReport writes the statistics of res to w.
func WriteReport(w io.Writer, res streamio.Result) error {
	s := res.Statistics
	ew := &errWriter{w: w}

	ew.printf("Statistics:\n\n")
	if total := s.Total(); total > 0 {
		pct := func(n int) float64 { return 100 * float64(n) / float64(total) }
		ew.printf("  Nodes always inlier: %d (%.1f%%)\n", s.OnlyInlier, pct(s.OnlyInlier))
		ew.printf("  Nodes always outlier: %d (%.1f%%)\n", s.OnlyOutlier, pct(s.OnlyOutlier))
		ew.printf("  Nodes both inlier and outlier: %d (%.1f%%)\n", s.Both, pct(s.Both))
		ew.printf("  (Sum: %d)\n", total)
	}
	ew.printf("\n  Total range queries: %d\n", s.RangeQueries)
	ew.printf("  Outliers reported: %d\n", len(res.Outliers))
	ew.printf("  Total process time: %.2f ms\n", float64(res.Elapsed.Microseconds())/1000)

	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

// OutliersFile writes the outlier ids of a result to a file.
type OutliersFile struct {
	path string
}

var _ streamio.Writer = (*OutliersFile)(nil)

// NewOutliersFile returns a writer that replaces path on every Write.
func NewOutliersFile(path string) *OutliersFile {
	return &OutliersFile{path: path}
}

func (f *OutliersFile) Write(res streamio.Result) error {
	file, err := os.Create(f.path)
	if err != nil {
		return fmt.Errorf("creating outliers file: %w", err)
	}
	if err := WriteOutliers(file, res.Outliers); err != nil {
		file.Close()
		return fmt.Errorf("writing outliers file: %w", err)
	}
	return file.Close()
}

func (f *OutliersFile) Close() error {
	return nil
}

// Report writes the statistics report of a result to an io.Writer.
type Report struct {
	w io.Writer
}

var _ streamio.Writer = (*Report)(nil)

// NewReport returns a writer printing reports to w.
func NewReport(w io.Writer) *Report {
	return &Report{w: w}
}

func (r *Report) Write(res streamio.Result) error {
	return WriteReport(r.w, res)
}

func (r *Report) Close() error {
	return nil
}
