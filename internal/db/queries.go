package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/sweeper/internal/sweep"
)

// DatasetSummary describes a stored dataset.
type DatasetSummary struct {
	ID          string         `json:"id"`
	SweepID     string         `json:"sweep_id"`
	Kind        string         `json:"kind"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Experiment  string         `json:"experiment"`
	Sample      string         `json:"sample"`
	Rows        int            `json:"rows"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Columns     []sweep.Column `json:"columns,omitempty"`
}

// Row is one stored sample. Values follow the dataset's column order; nil
// marks a missing reading.
type Row struct {
	Index     int        `json:"index"`
	Time      float64    `json:"time"`
	Direction string     `json:"direction"`
	Values    []*float64 `json:"values"`
}

const summaryQuery = `
	SELECT d.dataset_id, d.sweep_id, d.kind, d.name, d.status, e.name, e.sample,
		(SELECT COUNT(*) FROM dataset_rows r WHERE r.dataset_id = d.dataset_id),
		d.started_at, d.completed_at
	FROM datasets d JOIN experiments e ON e.experiment_id = d.experiment_id`

func scanSummary(row interface{ Scan(...any) error }) (DatasetSummary, error) {
	var (
		ds        DatasetSummary
		started   float64
		completed sql.NullFloat64
	)
	err := row.Scan(&ds.ID, &ds.SweepID, &ds.Kind, &ds.Name, &ds.Status, &ds.Experiment, &ds.Sample,
		&ds.Rows, &started, &completed)
	if err != nil {
		return ds, err
	}
	ds.StartedAt = fromUnixSeconds(started)
	if completed.Valid {
		t := fromUnixSeconds(completed.Float64)
		ds.CompletedAt = &t
	}
	return ds, nil
}

// ListDatasets returns the most recent datasets first. A limit of zero or
// less returns all of them.
func (db *DB) ListDatasets(ctx context.Context, limit int) ([]DatasetSummary, error) {
	q := summaryQuery + ` ORDER BY d.started_at DESC, d.rowid DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	out := []DatasetSummary{}
	for rows.Next() {
		ds, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// DatasetsForSweep returns every dataset recorded by sweepID, oldest first.
func (db *DB) DatasetsForSweep(ctx context.Context, sweepID string) ([]DatasetSummary, error) {
	rows, err := db.QueryContext(ctx, summaryQuery+` WHERE d.sweep_id = ? ORDER BY d.started_at, d.rowid`, sweepID)
	if err != nil {
		return nil, fmt.Errorf("datasets for %s: %w", sweepID, err)
	}
	defer rows.Close()

	out := []DatasetSummary{}
	for rows.Next() {
		ds, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// GetDataset returns one dataset with its columns.
func (db *DB) GetDataset(ctx context.Context, id string) (*DatasetSummary, error) {
	ds, err := scanSummary(db.QueryRowContext(ctx, summaryQuery+` WHERE d.dataset_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset %s: %w", id, err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT name, unit, independent FROM dataset_columns WHERE dataset_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c sweep.Column
		if err := rows.Scan(&c.Name, &c.Unit, &c.Independent); err != nil {
			return nil, err
		}
		ds.Columns = append(ds.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// DatasetRows returns the rows of a dataset in recording order.
func (db *DB) DatasetRows(ctx context.Context, id string) ([]Row, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets WHERE dataset_id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("dataset %s: %w", id, ErrNotFound)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT row_index, time_s, direction, vals FROM dataset_rows WHERE dataset_id = ? ORDER BY row_index`, id)
	if err != nil {
		return nil, fmt.Errorf("rows of %s: %w", id, err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		var (
			r    Row
			vals string
		)
		if err := rows.Scan(&r.Index, &r.Time, &r.Direction, &vals); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vals), &r.Values); err != nil {
			return nil, fmt.Errorf("row %d of %s: %w", r.Index, id, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListDatasets queries the current database of the store.
func (s *Store) ListDatasets(ctx context.Context, limit int) ([]DatasetSummary, error) {
	return s.DB().ListDatasets(ctx, limit)
}

// GetDataset queries the current database of the store.
func (s *Store) GetDataset(ctx context.Context, id string) (*DatasetSummary, error) {
	return s.DB().GetDataset(ctx, id)
}

// DatasetRows queries the current database of the store.
func (s *Store) DatasetRows(ctx context.Context, id string) ([]Row, error) {
	return s.DB().DatasetRows(ctx, id)
}
