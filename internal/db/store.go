package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sweeper/internal/monitoring"
	"github.com/banshee-data/sweeper/internal/security"
	"github.com/banshee-data/sweeper/internal/sweep"
)

// DefaultExperiment is used until the first context switch names one.
const DefaultExperiment = "default"

var ErrFinalized = errors.New("dataset already finalized")

// Store implements sweep.Sink on top of a sqlite database. SwitchContext can
// move it to another database file; datasets already open keep writing to
// the database they were opened on, so the switch is refused until they
// are finalized.
type Store struct {
	dir string

	mu           sync.Mutex
	db           *DB
	experiment   string
	sample       string
	experimentID int64
	open         int
	onSwitch     []func(*DB)
}

// NewStore returns a store writing to db. Relative database names given to
// SwitchContext are resolved against the directory of db's path.
func NewStore(db *DB) *Store {
	return &Store{
		dir:        filepath.Dir(db.Path()),
		db:         db,
		experiment: DefaultExperiment,
	}
}

// DB returns the database currently written to.
func (s *Store) DB() *DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// Current returns the database path, experiment and sample datasets are
// filed under.
func (s *Store) Current() (database, experiment, sample string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Path(), s.experiment, s.sample
}

// OnSwitch registers fn to be told about every new database.
func (s *Store) OnSwitch(fn func(*DB)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSwitch = append(s.onSwitch, fn)
}

// Close closes the current database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SwitchContext selects the database, experiment and sample for datasets
// opened from now on. An empty database keeps the current file.
func (s *Store) SwitchContext(ctx context.Context, database, experiment, sample string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open > 0 {
		return fmt.Errorf("%d datasets still recording to %s", s.open, s.db.Path())
	}
	if experiment == "" {
		experiment = DefaultExperiment
	}

	target := s.db
	if database != "" {
		path := database
		if path != ":memory:" && !filepath.IsAbs(path) {
			path = filepath.Join(s.dir, path)
			if err := security.ValidatePathWithinDirectory(path, s.dir); err != nil {
				return fmt.Errorf("database %q: %w", database, err)
			}
		}
		if path != s.db.Path() {
			next, err := NewDB(path)
			if err != nil {
				return err
			}
			target = next
		}
	}

	id, err := target.ensureExperiment(ctx, experiment, sample)
	if err != nil {
		if target != s.db {
			target.Close()
		}
		return err
	}
	if target != s.db {
		if err := s.db.Close(); err != nil {
			monitoring.Logf("[db] close %s: %v", s.db.Path(), err)
		}
		s.db = target
		for _, fn := range s.onSwitch {
			fn(target)
		}
	}
	s.experiment = experiment
	s.sample = sample
	s.experimentID = id
	monitoring.Logf("[db] context is now %s experiment=%s sample=%s", s.db.Path(), experiment, sample)
	return nil
}

// Begin opens a dataset for one sweep run.
func (s *Store) Begin(ctx context.Context, info sweep.DatasetInfo) (sweep.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.experimentID == 0 {
		id, err := s.db.ensureExperiment(ctx, s.experiment, s.sample)
		if err != nil {
			return nil, err
		}
		s.experimentID = id
	}
	started := info.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	d := &Dataset{
		store: s,
		db:    s.db,
		id:    uuid.NewString(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets (dataset_id, experiment_id, sweep_id, kind, name, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.id, s.experimentID, info.SweepID, string(info.Kind), info.Name, unixSeconds(started))
	if err != nil {
		return nil, fmt.Errorf("create dataset for %s: %w", info.SweepID, err)
	}
	s.open++
	return d, nil
}

func (s *Store) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open--
}

// Dataset records one sweep run. Columns are fixed by the first Append.
type Dataset struct {
	store *Store
	db    *DB
	id    string

	mu        sync.Mutex
	columns   []sweep.Column
	rows      int
	finalized bool
}

var _ sweep.Dataset = (*Dataset)(nil)

// ID returns the dataset id.
func (d *Dataset) ID() string { return d.id }

// Register adds a column.
func (d *Dataset) Register(col sweep.Column) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return ErrFinalized
	}
	if d.rows > 0 {
		return fmt.Errorf("dataset %s: column %s registered after the first row", d.id, col.Name)
	}
	for _, c := range d.columns {
		if c.Name == col.Name {
			return fmt.Errorf("dataset %s: column %s registered twice", d.id, col.Name)
		}
	}
	_, err := d.db.Exec(
		`INSERT INTO dataset_columns (dataset_id, position, name, unit, independent) VALUES (?, ?, ?, ?, ?)`,
		d.id, len(d.columns), col.Name, col.Unit, col.Independent)
	if err != nil {
		return fmt.Errorf("register column %s: %w", col.Name, err)
	}
	d.columns = append(d.columns, col)
	return nil
}

// Append writes one row. Values are stored in column order; columns the
// sample has no reading for, and non-finite readings, are stored as null.
func (d *Dataset) Append(s sweep.Sample) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return ErrFinalized
	}
	vals := make([]*float64, len(d.columns))
	for i, c := range d.columns {
		if v, ok := s.Value(c.Name); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals[i] = &v
		}
	}
	encoded, err := json.Marshal(vals)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`INSERT INTO dataset_rows (dataset_id, row_index, time_s, direction, vals) VALUES (?, ?, ?, ?, ?)`,
		d.id, d.rows, s.Time, string(s.Direction), string(encoded))
	if err != nil {
		return fmt.Errorf("append row %d to %s: %w", d.rows, d.id, err)
	}
	d.rows++
	return nil
}

// Finalize marks the dataset complete. Only the first call has an effect.
func (d *Dataset) Finalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return ErrFinalized
	}
	d.finalized = true
	defer d.store.release()

	_, err := d.db.Exec(
		`UPDATE datasets SET status = 'complete', completed_at = ? WHERE dataset_id = ?`,
		unixSeconds(time.Now()), d.id)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", d.id, err)
	}
	monitoring.Logf("[db] dataset %s finalized with %d rows", d.id, d.rows)
	return nil
}
