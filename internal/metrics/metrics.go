// Package metrics exposes sweep and queue activity as Prometheus metrics.
//
// A Collector is attached to the engine as a state observer and a plot
// consumer:
//
//	sweeper_state_transitions_total{kind,state}  every lifecycle transition
//	sweeper_sweeps{state}                        sweeps currently in each state
//	sweeper_sweep_duration_seconds{kind,state}   start to terminal state
//	sweeper_samples_total                        samples delivered for plotting
//	sweeper_queue_entries                        entries waiting in the queue
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/sweeper/internal/sweep"
	"github.com/banshee-data/sweeper/internal/timeutil"
)

var allStates = []sweep.State{
	sweep.StateReady, sweep.StateRamping, sweep.StateRunning, sweep.StatePaused,
	sweep.StateError, sweep.StateDone, sweep.StateKilled,
}

// Collector records engine activity on its own registry.
type Collector struct {
	registry *prometheus.Registry
	clock    timeutil.Clock

	transitions  *prometheus.CounterVec
	sweeps       *prometheus.GaugeVec
	duration     *prometheus.HistogramVec
	samples      prometheus.Counter
	queueEntries prometheus.Gauge

	mu      sync.Mutex
	states  map[string]sweep.State
	started map[string]time.Time
}

var (
	_ sweep.StateObserver = (*Collector)(nil)
	_ sweep.PlotConsumer  = (*Collector)(nil)
)

// NewCollector creates a collector. A nil clock uses the real one.
func NewCollector(clock timeutil.Clock) *Collector {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		clock:    clock,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweeper_state_transitions_total",
			Help: "Total number of sweep state transitions",
		}, []string{"kind", "state"}),
		sweeps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sweeper_sweeps",
			Help: "Current number of sweeps in each state",
		}, []string{"state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sweeper_sweep_duration_seconds",
			Help:    "Time from start to a terminal state in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"kind", "state"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweeper_samples_total",
			Help: "Total number of samples delivered to plot consumers",
		}),
		queueEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sweeper_queue_entries",
			Help: "Current number of entries waiting in the queue",
		}),
		states:  make(map[string]sweep.State),
		started: make(map[string]time.Time),
	}
	c.registry.MustRegister(c.transitions, c.sweeps, c.duration, c.samples, c.queueEntries)
	for _, st := range allStates {
		c.sweeps.WithLabelValues(string(st)).Set(0)
	}
	return c
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveState implements sweep.StateObserver.
func (c *Collector) ObserveState(sweepID string, kind sweep.Kind, state sweep.State) {
	c.transitions.WithLabelValues(string(kind), string(state)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.states[sweepID]; ok {
		c.sweeps.WithLabelValues(string(prev)).Dec()
	}
	c.states[sweepID] = state
	c.sweeps.WithLabelValues(string(state)).Inc()

	switch {
	case state == sweep.StateRamping || state == sweep.StateRunning:
		if _, ok := c.started[sweepID]; !ok {
			c.started[sweepID] = c.clock.Now()
		}
	case state.Terminal():
		if t0, ok := c.started[sweepID]; ok {
			c.duration.WithLabelValues(string(kind), string(state)).Observe(c.clock.Since(t0).Seconds())
			delete(c.started, sweepID)
		}
	}
}

// Forget drops a sweep from the per-state gauge.
func (c *Collector) Forget(sweepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.states[sweepID]; ok {
		c.sweeps.WithLabelValues(string(prev)).Dec()
		delete(c.states, sweepID)
	}
	delete(c.started, sweepID)
}

// AppendBatch implements sweep.PlotConsumer.
func (c *Collector) AppendBatch(sweepID string, batch []sweep.Sample) {
	c.samples.Add(float64(len(batch)))
}

// SetQueueEntries records the queue length.
func (c *Collector) SetQueueEntries(n int) {
	c.queueEntries.Set(float64(n))
}
