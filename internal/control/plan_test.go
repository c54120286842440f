package control

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sweeper/internal/fsutil"
	"github.com/banshee-data/sweeper/internal/monitoring"
	"github.com/banshee-data/sweeper/internal/sweep"
)

const gatePlan = `
entries:
  - sweep:
      class: Sweep1D
      attributes:
        name: gate
        set_param: vg
        begin: 0
        end: 0.5
        step: 0.25
      follow: [lockin]
  - wait: 20ms
  - note: gate sweep finished
`

func TestParsePlan(t *testing.T) {
	p, err := ParsePlan(strings.NewReader(gatePlan))
	require.NoError(t, err)
	require.Len(t, p.Entries, 3)
	assert.False(t, p.Start)

	def := p.Entries[0].Sweep
	require.NotNil(t, def)
	assert.Equal(t, sweep.KindSweep1D, def.Class)
	assert.Equal(t, "vg", def.Attributes["set_param"])
	assert.Equal(t, []string{"lockin"}, def.Follow)
	assert.Equal(t, "20ms", p.Entries[1].Wait)
	assert.Equal(t, "gate sweep finished", p.Entries[2].Note)
}

func TestParsePlanErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"no entries", "start: true\n"},
		{"unknown field", "entries:\n  - pause: 3s\n"},
		{"not yaml", "entries: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(strings.NewReader(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestReadPlanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(gatePlan), 0644))

	p, err := ReadPlanFile(nil, path)
	require.NoError(t, err)
	assert.Len(t, p.Entries, 3)

	_, err = ReadPlanFile(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	mem := fsutil.NewMemoryFileSystem()
	require.NoError(t, mem.WriteFile("/plans/cooldown.yaml", []byte(gatePlan), 0644))
	p, err = ReadPlanFile(mem, "/plans/cooldown.yaml")
	require.NoError(t, err)
	assert.Len(t, p.Entries, 3)
}

func TestLoadPlanRuns(t *testing.T) {
	logs, restore := monitoring.Record()
	defer restore()
	f := newFixture(t)
	p, err := ParsePlan(strings.NewReader("start: true\n" + gatePlan))
	require.NoError(t, err)

	entries, err := f.m.LoadPlan(p)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, sweep.EntrySweep, entries[0].Kind)
	assert.Equal(t, sweep.EntrySweep, entries[1].Kind)
	assert.Equal(t, "wait 20ms", entries[1].Label)
	assert.Equal(t, sweep.EntryCallback, entries[2].Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.m.Queue().Wait(ctx))

	assert.Equal(t, sweep.QueueIdle, f.m.QueueStatus().Status)
	list := f.m.List()
	require.Len(t, list, 2)
	for _, info := range list {
		assert.Equal(t, sweep.StateDone, info.State, info.Name)
	}
	assert.Equal(t, sweep.KindSweep0D, list[1].Kind)
	assert.True(t, logs.Contains("[queue] note: gate sweep finished"), "note entry logged")
}

func TestLoadPlanIsAtomic(t *testing.T) {
	f := newFixture(t)
	p := &Plan{Entries: []PlanEntry{
		{Sweep: &sweep.Definition{Class: sweep.KindSweep0D, Attributes: map[string]interface{}{}}},
		{Wait: "soon"},
	}}

	_, err := f.m.LoadPlan(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, sweep.ErrValidation)
	assert.Contains(t, err.Error(), "plan entry 2")
	assert.Empty(t, f.m.List())
	assert.Empty(t, f.m.QueueStatus().Entries)
}

func TestLoadPlanEntryNeedsOneKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.LoadPlan(&Plan{Entries: []PlanEntry{{Wait: "1s", Note: "both"}}})
	assert.ErrorIs(t, err, sweep.ErrValidation)

	_, err = f.m.LoadPlan(&Plan{Entries: []PlanEntry{{}}})
	assert.ErrorIs(t, err, sweep.ErrValidation)
}

func TestReadExamplePlan(t *testing.T) {
	p, err := ReadPlanFile(nil, "../../config/plan.example.yaml")
	require.NoError(t, err)
	require.Len(t, p.Entries, 5)

	ctx := p.Entries[0].Context
	require.NotNil(t, ctx)
	assert.Equal(t, "graphene", ctx.Experiment)
	assert.Equal(t, sweep.KindSweep1D, p.Entries[2].Sweep.Class)
	assert.Equal(t, "30s", p.Entries[3].Wait)
	assert.Equal(t, sweep.KindSweep2D, p.Entries[4].Sweep.Class)
}
