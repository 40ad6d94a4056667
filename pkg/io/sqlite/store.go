// Package sqlite records detection runs in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hed1ad/streamguard/pkg/detectors"
	streamio "github.com/hed1ad/streamguard/pkg/io"
)

// schema.sql creates the runs table and the per-run outlier ids.
//
//go:embed schema.sql
var schemaSQL string

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Store is a SQLite database of detection runs.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps the foreign_keys pragma in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInfo describes a recorded run.
type RunInfo struct {
	ID         string
	Source     string
	Index      string
	Config     detectors.Config
	StartedAt  time.Time
	FinishedAt time.Time
	Result     streamio.Result
}

// Run is a detection run in progress. Writing its result completes it.
type Run struct {
	store *Store
	id    string
}

var _ streamio.Writer = (*Run)(nil)

// StartRun records the start of a run over source.
func (s *Store) StartRun(ctx context.Context, source, index string, cfg detectors.Config) (*Run, error) {
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, source, index_kind, window_size, slide_size, radius, k, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, source, index, cfg.WindowSize, cfg.SlideSize, cfg.Radius, cfg.K, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}

	return &Run{store: s, id: id}, nil
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// Write stores the result of the run.
func (r *Run) Write(res streamio.Result) error {
	return r.store.finish(context.Background(), r.id, res)
}

// Close is a no-op; the store owns the database.
func (r *Run) Close() error {
	return nil
}

func (s *Store) finish(ctx context.Context, id string, res streamio.Result) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	st := res.Statistics
	result, err := tx.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, objects = ?, only_inlier = ?, only_outlier = ?,
			both_inlier_outlier = ?, range_queries = ?, elapsed_ns = ?
		WHERE run_id = ?`,
		time.Now().UnixNano(), res.Objects, st.OnlyInlier, st.OnlyOutlier,
		st.Both, st.RangeQueries, res.Elapsed.Nanoseconds(), id)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_outliers WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("clearing outliers of run %s: %w", id, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_outliers (run_id, object_id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, oid := range res.Outliers {
		if _, err := stmt.ExecContext(ctx, id, oid); err != nil {
			return fmt.Errorf("inserting outlier %d of run %s: %w", oid, id, err)
		}
	}

	return tx.Commit()
}

// Run returns a recorded run with its outliers, ascending.
func (s *Store) Run(ctx context.Context, id string) (*RunInfo, error) {
	info := RunInfo{ID: id}
	var (
		started                        int64
		finished, objects, elapsed     sql.NullInt64
		onlyIn, onlyOut, both, queries sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT source, index_kind, window_size, slide_size, radius, k, started_at, finished_at,
			objects, only_inlier, only_outlier, both_inlier_outlier, range_queries, elapsed_ns
		FROM runs WHERE run_id = ?`, id).Scan(
		&info.Source, &info.Index, &info.Config.WindowSize, &info.Config.SlideSize,
		&info.Config.Radius, &info.Config.K, &started, &finished,
		&objects, &onlyIn, &onlyOut, &both, &queries, &elapsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}

	info.StartedAt = time.Unix(0, started)
	if finished.Valid {
		info.FinishedAt = time.Unix(0, finished.Int64)
	}
	info.Result = streamio.Result{
		Objects: int(objects.Int64),
		Elapsed: time.Duration(elapsed.Int64),
		Statistics: detectors.Statistics{
			OnlyInlier:   int(onlyIn.Int64),
			OnlyOutlier:  int(onlyOut.Int64),
			Both:         int(both.Int64),
			RangeQueries: int(queries.Int64),
		},
	}

	info.Result.Outliers, err = s.outliers(ctx, id)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *Store) outliers(ctx context.Context, id string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT object_id FROM run_outliers WHERE run_id = ? ORDER BY object_id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying outliers of run %s: %w", id, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var oid int64
		if err := rows.Scan(&oid); err != nil {
			return nil, err
		}
		ids = append(ids, oid)
	}
	return ids, rows.Err()
}

// Runs returns the ids of all runs, most recent first.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
