package sweep

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

// fakeParam is an in-memory instrument parameter.
type fakeParam struct {
	name string
	unit string

	mu       sync.Mutex
	value    float64
	offset   float64 // added to every read
	lo, hi   float64
	bounded  bool
	allowed  []float64
	failSets int // -1 fails forever
	failGets int
	sets     []float64
	gets     int
	onGet    func() float64

	// breakAfter makes every Set fail once this many have succeeded.
	breakAfter int
}

func newFake(name string) *fakeParam { return &fakeParam{name: name, unit: "V"} }

func (p *fakeParam) Name() string { return p.name }
func (p *fakeParam) Unit() string { return p.unit }

func (p *fakeParam) Get(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	if p.failGets != 0 {
		if p.failGets > 0 {
			p.failGets--
		}
		return 0, errors.New("read timeout")
	}
	if p.onGet != nil {
		return p.onGet(), nil
	}
	return p.value + p.offset, nil
}

func (p *fakeParam) Set(ctx context.Context, v float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSets != 0 {
		if p.failSets > 0 {
			p.failSets--
		}
		return errors.New("instrument busy")
	}
	if p.breakAfter > 0 && len(p.sets) >= p.breakAfter {
		return errors.New("interlock tripped")
	}
	p.value = v
	p.sets = append(p.sets, v)
	return nil
}

func (p *fakeParam) Bounds() (float64, float64, bool) { return p.lo, p.hi, p.bounded }
func (p *fakeParam) Allowed() []float64               { return p.allowed }

func (p *fakeParam) setsCopy() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.sets...)
}

func (p *fakeParam) current() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func (p *fakeParam) getCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets
}

type registry map[string]Parameter

func (r registry) Lookup(name string) (Parameter, bool) {
	p, ok := r[name]
	return p, ok
}

type memSink struct {
	mu        sync.Mutex
	datasets  []*memDataset
	switches  []string
	failBegin error
}

func (s *memSink) Begin(ctx context.Context, info DatasetInfo) (Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBegin != nil {
		return nil, s.failBegin
	}
	ds := &memDataset{info: info}
	s.datasets = append(s.datasets, ds)
	return ds, nil
}

func (s *memSink) SwitchContext(ctx context.Context, database, experiment, sample string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switches = append(s.switches, database+"/"+experiment+"/"+sample)
	return nil
}

type memDataset struct {
	info DatasetInfo

	mu        sync.Mutex
	cols      []Column
	rows      []Sample
	finalized int
}

func (d *memDataset) Register(col Column) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cols = append(d.cols, col)
	return nil
}

func (d *memDataset) Append(s Sample) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows = append(d.rows, s)
	return nil
}

func (d *memDataset) Finalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalized++
	return nil
}

type plotRecorder struct {
	mu      sync.Mutex
	samples map[string][]Sample
}

func (p *plotRecorder) AppendBatch(id string, batch []Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples == nil {
		p.samples = make(map[string][]Sample)
	}
	p.samples[id] = append(p.samples[id], batch...)
}

func (p *plotRecorder) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.samples[id])
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(Options{
		MinInterDelay:     time.Millisecond,
		DefaultInterDelay: time.Millisecond,
		ParamRetries:      2,
		ParamRetryBackoff: time.Millisecond,
		KillTimeout:       time.Second,
	})
	t.Cleanup(e.Close)
	return e
}

func waitDone(t *testing.T, s Sweep) ProgressState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("waiting for %s: %v (state %s)", s.Kind(), err, p.State)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
