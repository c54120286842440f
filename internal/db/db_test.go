package db

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/sweeper/internal/instrument"
	"github.com/banshee-data/sweeper/internal/sweep"
	"github.com/banshee-data/sweeper/internal/testutil"
)

func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "sweeps.db"))
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	s := NewStore(db)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func begin(t *testing.T, s *Store, sweepID string) *Dataset {
	t.Helper()
	ds, err := s.Begin(context.Background(), sweep.DatasetInfo{
		SweepID:   sweepID,
		Kind:      sweep.KindSweep1D,
		Name:      "gate",
		StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return ds.(*Dataset)
}

func TestNewDB_Migrations(t *testing.T) {
	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	v, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		t.Fatalf("LatestMigrationVersion: %v", err)
	}
	if v != latest || dirty {
		t.Errorf("version = %d dirty=%v, want %d clean", v, dirty, latest)
	}

	for _, table := range []string{"experiments", "datasets", "dataset_columns", "dataset_rows"} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil || n != 1 {
			t.Errorf("table %s missing (n=%d, err=%v)", table, n, err)
		}
	}

	// reopening an up to date database is a no-op
	if err := db.MigrateUp(); err != nil {
		t.Errorf("second MigrateUp: %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'datasets'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("datasets table survived MigrateDown")
	}
}

func TestDataset_RoundTrip(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	ds := begin(t, s, "sweep-1")

	cols := []sweep.Column{
		{Name: "vg", Unit: "V", Independent: true},
		{Name: "current", Unit: "A"},
	}
	for _, c := range cols {
		if err := ds.Register(c); err != nil {
			t.Fatalf("Register %s: %v", c.Name, err)
		}
	}
	samples := []sweep.Sample{
		{Time: 0, Direction: sweep.Forward, Readings: []sweep.Reading{{Name: "vg", Value: 0}, {Name: "current", Value: 1e-9}}},
		{Time: 0.1, Direction: sweep.Forward, Readings: []sweep.Reading{{Name: "current", Value: 2e-9}, {Name: "vg", Value: 0.5}}},
		{Time: 0.2, Direction: sweep.Backward, Readings: []sweep.Reading{{Name: "vg", Value: 1}, {Name: "current", Value: math.NaN()}}},
	}
	for _, smp := range samples {
		if err := ds.Append(smp); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := ds.Register(sweep.Column{Name: "late"}); err == nil {
		t.Error("Register after the first row should fail")
	}

	got, err := s.DB().GetDataset(ctx, ds.ID())
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}
	if got.Status != "recording" || got.CompletedAt != nil {
		t.Errorf("before Finalize: status=%s completed=%v", got.Status, got.CompletedAt)
	}
	if got.Rows != 3 || got.SweepID != "sweep-1" || got.Kind != "Sweep1D" || got.Experiment != DefaultExperiment {
		t.Errorf("unexpected summary %+v", got)
	}
	if len(got.Columns) != 2 || got.Columns[0] != cols[0] || got.Columns[1] != cols[1] {
		t.Errorf("columns = %+v", got.Columns)
	}

	rows, err := s.DB().DatasetRows(ctx, ds.ID())
	if err != nil {
		t.Fatalf("DatasetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	// values follow column order regardless of reading order
	if *rows[1].Values[0] != 0.5 || *rows[1].Values[1] != 2e-9 {
		t.Errorf("row 1 = %v, %v", *rows[1].Values[0], *rows[1].Values[1])
	}
	if rows[2].Values[1] != nil {
		t.Errorf("NaN should be stored as null, got %v", *rows[2].Values[1])
	}
	if rows[2].Direction != "backward" || rows[2].Time != 0.2 {
		t.Errorf("row 2 = %+v", rows[2])
	}

	if err := ds.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := ds.Finalize(); !errors.Is(err, ErrFinalized) {
		t.Errorf("second Finalize = %v, want ErrFinalized", err)
	}
	if err := ds.Append(samples[0]); !errors.Is(err, ErrFinalized) {
		t.Errorf("Append after Finalize = %v, want ErrFinalized", err)
	}

	got, err = s.DB().GetDataset(ctx, ds.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "complete" || got.CompletedAt == nil {
		t.Errorf("after Finalize: status=%s completed=%v", got.Status, got.CompletedAt)
	}
}

func TestDataset_DuplicateColumn(t *testing.T) {
	s, _ := setupTestStore(t)
	ds := begin(t, s, "sweep-1")
	defer ds.Finalize()

	if err := ds.Register(sweep.Column{Name: "vg"}); err != nil {
		t.Fatal(err)
	}
	if err := ds.Register(sweep.Column{Name: "vg"}); err == nil {
		t.Error("duplicate column accepted")
	}
}

func TestQueries_NotFound(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	if _, err := s.DB().GetDataset(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDataset = %v, want ErrNotFound", err)
	}
	if _, err := s.DB().DatasetRows(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DatasetRows = %v, want ErrNotFound", err)
	}
}

func TestListDatasets(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for i, id := range []string{"a", "b", "c"} {
		ds, err := s.Begin(ctx, sweep.DatasetInfo{
			SweepID:   id,
			Kind:      sweep.KindSweep0D,
			StartedAt: time.Unix(int64(1000+i), 0),
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ds.(*Dataset).ID())
		ds.Finalize()
	}

	all, err := s.DB().ListDatasets(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Errorf("ListDatasets order wrong: %+v", all)
	}
	limited, err := s.DB().ListDatasets(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d", len(limited))
	}
	bySweep, err := s.DB().DatasetsForSweep(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(bySweep) != 1 || bySweep[0].ID != ids[1] {
		t.Errorf("DatasetsForSweep(b) = %+v", bySweep)
	}
}

func TestStore_SwitchContext(t *testing.T) {
	s, dir := setupTestStore(t)
	ctx := context.Background()
	first := s.DB().Path()

	var switched []string
	s.OnSwitch(func(db *DB) { switched = append(switched, db.Path()) })

	// same file, new experiment
	if err := s.SwitchContext(ctx, "", "cooldown", "d7"); err != nil {
		t.Fatalf("SwitchContext: %v", err)
	}
	ds := begin(t, s, "s1")
	if err := s.SwitchContext(ctx, "other.db", "x", "y"); err == nil {
		t.Error("switch with an open dataset should fail")
	}
	ds.Finalize()

	summary, err := s.DB().GetDataset(ctx, ds.ID())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Experiment != "cooldown" || summary.Sample != "d7" {
		t.Errorf("dataset filed under %s/%s", summary.Experiment, summary.Sample)
	}

	if err := s.SwitchContext(ctx, "other.db", "warmup", ""); err != nil {
		t.Fatalf("SwitchContext to other.db: %v", err)
	}
	want := filepath.Join(dir, "other.db")
	if got, exp, sample := s.Current(); got != want || exp != "warmup" || sample != "" {
		t.Errorf("Current() = %s %s %q", got, exp, sample)
	}
	if len(switched) != 1 || switched[0] != want {
		t.Errorf("OnSwitch saw %v", switched)
	}

	ds2 := begin(t, s, "s2")
	ds2.Finalize()
	list, err := s.DB().ListDatasets(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].SweepID != "s2" {
		t.Errorf("new database should only hold s2, got %+v", list)
	}

	// going back finds the earlier dataset
	if err := s.SwitchContext(ctx, first, "cooldown", "d7"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().GetDataset(ctx, ds.ID()); err != nil {
		t.Errorf("dataset from the first database missing: %v", err)
	}
}

func TestStore_SwitchContextRejectsEscape(t *testing.T) {
	s, _ := setupTestStore(t)
	before, _, _ := s.Current()
	err := s.SwitchContext(context.Background(), "../elsewhere.db", "x", "")
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Fatalf("expected an escape error, got %v", err)
	}
	if now, _, _ := s.Current(); now != before {
		t.Errorf("database changed to %s", now)
	}
}

func TestStore_WithEngine(t *testing.T) {
	s, _ := setupTestStore(t)
	e := testutil.NewEngine(t, s)

	vg := instrument.NewVirtual("vg", "V", 0)
	current := instrument.NewVirtual("current", "A", 2.5)

	sw, err := e.NewSweep1D(sweep.Sweep1DConfig{
		Config: sweep.Config{Name: "gate", SaveData: true},
		Axis:   sweep.Axis{Param: vg, Begin: 0, End: 1, Step: 0.5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sw.Follow(current); err != nil {
		t.Fatal(err)
	}
	if err := sw.Start(true); err != nil {
		t.Fatal(err)
	}
	if p := testutil.WaitSweep(t, sw); p.State != sweep.StateDone {
		t.Fatalf("state = %v", p.State)
	}
	ctx := context.Background()

	list, err := s.DB().DatasetsForSweep(ctx, sw.ID())
	if err != nil || len(list) != 1 {
		t.Fatalf("DatasetsForSweep = %v, %v", list, err)
	}
	if list[0].Status != "complete" || list[0].Name != "gate" {
		t.Errorf("summary = %+v", list[0])
	}
	rows, err := s.DatasetRows(ctx, list[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if ds, err := s.GetDataset(ctx, list[0].ID); err != nil || len(ds.Columns) != 2 {
		t.Errorf("GetDataset = %+v, %v", ds, err)
	}
	if all, err := s.ListDatasets(ctx, 10); err != nil || len(all) != 1 {
		t.Errorf("ListDatasets = %v, %v", all, err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	for i, want := range []float64{0, 0.5, 1} {
		if *rows[i].Values[0] != want || *rows[i].Values[1] != 2.5 {
			t.Errorf("row %d = %v, %v", i, *rows[i].Values[0], *rows[i].Values[1])
		}
	}
}

func TestAdminRoutes(t *testing.T) {
	s, _ := setupTestStore(t)
	ds := begin(t, s, "s1")
	ds.Finalize()

	mux := http.NewServeMux()
	if err := s.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("backup status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) < 16 || string(body[:15]) != "SQLite format 3" {
		t.Errorf("backup is not a sqlite file (%d bytes)", len(body))
	}
}
