// Package db persists sweep datasets to sqlite. A Store is the engine's
// sink: every recording sweep gets a dataset row, its columns and one row
// per sample, filed under the current experiment and sample.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/sweeper/internal/monitoring"
)

// ErrNotFound is returned by lookups of unknown datasets.
var ErrNotFound = errors.New("not found")

// DefaultBusyTimeout is how long a writer waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

type DB struct {
	*sql.DB
	path string
}

// NewDB opens the sqlite database at path and brings its schema up to date.
// ":memory:" gives a private in-memory database.
func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	db := &DB{DB: conn, path: path}
	if err := db.MigrateUp(); err != nil {
		conn.Close()
		return nil, err
	}
	v, _, err := db.MigrateVersion()
	if err != nil {
		conn.Close()
		return nil, err
	}
	monitoring.Logf("[db] opened %s at schema version %d", path, v)
	return db, nil
}

func dsn(path string) string {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", DefaultBusyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(pragmas, "&")
}

// Path returns the path the database was opened with.
func (db *DB) Path() string { return db.path }

// ensureExperiment returns the id of the (name, sample) experiment,
// creating it on first use.
func (db *DB) ensureExperiment(ctx context.Context, name, sample string) (int64, error) {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO experiments (name, sample, created_at) VALUES (?, ?, ?)`,
		name, sample, unixSeconds(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("create experiment %s/%s: %w", name, sample, err)
	}
	var id int64
	err = db.QueryRowContext(ctx,
		`SELECT experiment_id FROM experiments WHERE name = ? AND sample = ?`,
		name, sample).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("look up experiment %s/%s: %w", name, sample, err)
	}
	return id, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}
