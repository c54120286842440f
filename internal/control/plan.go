package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/sweeper/internal/fsutil"
	"github.com/banshee-data/sweeper/internal/monitoring"
	"github.com/banshee-data/sweeper/internal/sweep"
)

// maxPlanSize bounds plan files read from disk.
const maxPlanSize = 1 << 20

// Plan is a queue plan: an ordered list of jobs, usually read from YAML.
//
//	start: true
//	entries:
//	  - context: {database: cooldown.db, experiment: graphene, sample: d7}
//	  - sweep:
//	      class: Sweep1D
//	      attributes: {set_param: vg, begin: 0, end: 1, step: 0.01}
//	      follow: [lockin]
//	  - wait: 30s
//	  - note: gate sweep finished
type Plan struct {
	Start   bool        `yaml:"start" json:"start"`
	Entries []PlanEntry `yaml:"entries" json:"entries"`
}

// PlanEntry is one job of a plan. Exactly one field is set.
type PlanEntry struct {
	Sweep   *sweep.Definition `yaml:"sweep,omitempty" json:"sweep,omitempty"`
	Context *PlanContext      `yaml:"context,omitempty" json:"context,omitempty"`
	Wait    string            `yaml:"wait,omitempty" json:"wait,omitempty"`
	Note    string            `yaml:"note,omitempty" json:"note,omitempty"`
}

// PlanContext selects where following sweeps are recorded.
type PlanContext struct {
	Database   string `yaml:"database" json:"database"`
	Experiment string `yaml:"experiment" json:"experiment"`
	Sample     string `yaml:"sample" json:"sample"`
}

// ParsePlan decodes a YAML plan. Unknown fields are rejected.
func ParsePlan(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(io.LimitReader(r, maxPlanSize))
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty plan: %w", sweep.ErrValidation)
		}
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	if len(p.Entries) == 0 {
		return nil, fmt.Errorf("plan has no entries: %w", sweep.ErrValidation)
	}
	return &p, nil
}

// ReadPlanFile parses the plan at path on fsys, the OS filesystem when nil.
func ReadPlanFile(fsys fsutil.FileSystem, path string) (*Plan, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	b, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan: %w", err)
	}
	return ParsePlan(bytes.NewReader(b))
}

// LoadPlan builds every job of p and appends them to the queue. Nothing is
// queued when any entry is invalid. The queue is started when p.Start is
// set.
func (m *Manager) LoadPlan(p *Plan) ([]sweep.EntryInfo, error) {
	var (
		entries []*sweep.Entry
		created []string
	)
	rollback := func() {
		for _, id := range created {
			m.drop(id)
		}
	}
	for i, pe := range p.Entries {
		ent, s, err := m.planEntry(pe)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("plan entry %d: %w", i+1, err)
		}
		if s != nil {
			created = append(created, s.ID())
		}
		entries = append(entries, ent)
	}

	out := make([]sweep.EntryInfo, 0, len(entries))
	for _, ent := range entries {
		out = append(out, m.appendEntry(ent))
	}
	monitoring.Logf("[control] loaded plan with %d entries", len(out))
	if p.Start {
		m.queue.Start()
	}
	return out, nil
}

func (m *Manager) planEntry(pe PlanEntry) (*sweep.Entry, sweep.Sweep, error) {
	set := 0
	for _, ok := range []bool{pe.Sweep != nil, pe.Context != nil, pe.Wait != "", pe.Note != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, nil, fmt.Errorf("want exactly one of sweep, context, wait or note: %w", sweep.ErrValidation)
	}

	switch {
	case pe.Sweep != nil:
		s, err := m.Import(*pe.Sweep)
		if err != nil {
			return nil, nil, err
		}
		return sweep.SweepJob(s), s, nil
	case pe.Context != nil:
		c := pe.Context
		return sweep.ContextSwitch(c.Database, c.Experiment, c.Sample), nil, nil
	case pe.Wait != "":
		d, err := time.ParseDuration(pe.Wait)
		if err != nil || d <= 0 {
			return nil, nil, fmt.Errorf("invalid wait %q: %w", pe.Wait, sweep.ErrValidation)
		}
		// A wait is a time-only monitor that records nothing.
		s, err := m.engine.NewSweep0D(sweep.Sweep0DConfig{
			Config:  sweep.Config{Name: "wait " + d.String()},
			MaxTime: d,
		})
		if err != nil {
			return nil, nil, err
		}
		m.register(s)
		return sweep.SweepJob(s), s, nil
	default:
		note := pe.Note
		return sweep.Callback("note", func(context.Context) error {
			monitoring.Logf("[queue] note: %s", note)
			return nil
		}), nil, nil
	}
}
