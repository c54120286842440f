package monitor

import (
	"sync"

	"github.com/banshee-data/sweeper/internal/sweep"
)

// DefaultMaxSweeps bounds how many sweeps a LivePlot keeps buffers for.
const DefaultMaxSweeps = 64

// LivePlot keeps the most recent samples of each sweep for the charts. It
// is attached to the engine as a plot consumer.
type LivePlot struct {
	capacity  int
	maxSweeps int

	mu     sync.RWMutex
	series map[string]*ring
	order  []string
}

var _ sweep.PlotConsumer = (*LivePlot)(nil)

// ring is a fixed-size circular buffer of samples.
type ring struct {
	buf   []sweep.Sample
	start int
	n     int
	total int
}

func (r *ring) push(s sweep.Sample) {
	r.total++
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) snapshot() []sweep.Sample {
	out := make([]sweep.Sample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// NewLivePlot keeps up to capacity samples per sweep.
func NewLivePlot(capacity int) *LivePlot {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LivePlot{
		capacity:  capacity,
		maxSweeps: DefaultMaxSweeps,
		series:    make(map[string]*ring),
	}
}

// AppendBatch implements sweep.PlotConsumer.
func (lp *LivePlot) AppendBatch(sweepID string, batch []sweep.Sample) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	r, ok := lp.series[sweepID]
	if !ok {
		r = &ring{buf: make([]sweep.Sample, lp.capacity)}
		lp.series[sweepID] = r
		lp.order = append(lp.order, sweepID)
		for len(lp.order) > lp.maxSweeps {
			delete(lp.series, lp.order[0])
			lp.order = lp.order[1:]
		}
	}
	for _, s := range batch {
		r.push(s)
	}
}

// Samples returns the buffered samples of a sweep, oldest first.
func (lp *LivePlot) Samples(sweepID string) []sweep.Sample {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	r, ok := lp.series[sweepID]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Total returns how many samples were ever delivered for a sweep,
// including those that fell out of the buffer.
func (lp *LivePlot) Total(sweepID string) int {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	if r, ok := lp.series[sweepID]; ok {
		return r.total
	}
	return 0
}

// Forget drops the buffer of a sweep.
func (lp *LivePlot) Forget(sweepID string) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if _, ok := lp.series[sweepID]; !ok {
		return
	}
	delete(lp.series, sweepID)
	for i, id := range lp.order {
		if id == sweepID {
			lp.order = append(lp.order[:i], lp.order[i+1:]...)
			break
		}
	}
}

// Sweeps returns the ids with buffered samples, oldest first.
func (lp *LivePlot) Sweeps() []string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return append([]string(nil), lp.order...)
}
