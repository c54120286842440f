// Package sweep drives instrument parameters through setpoints and records
// the followed parameters at each step.
//
// Every sweep runs its iterate-measure-record loop on its own goroutine.
// Completion handlers and plot batches are delivered through the engine's
// Dispatcher, in order, never from inside a worker loop.
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/sweeper/internal/monitoring"
)

func logf(format string, v ...interface{}) {
	monitoring.Logf(format, v...)
}

// Engine owns the shared state of all sweeps: the concurrency guard, the
// dispatcher and the collaborators samples are sent to.
type Engine struct {
	opts     Options
	guard    *Guard
	dispatch *Dispatcher

	mu        sync.RWMutex
	sink      Sink
	plots     []PlotConsumer
	observers []StateObserver
}

// NewEngine starts an engine. Call Close to stop its dispatcher.
func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		opts:     opts,
		guard:    NewGuard(),
		dispatch: NewDispatcher(),
		sink:     opts.Sink,
	}
}

// Close stops the dispatcher. Running sweeps are not killed.
func (e *Engine) Close() {
	e.dispatch.Close()
}

// Options returns the resolved engine options.
func (e *Engine) Options() Options { return e.opts }

// Guard returns the engine's concurrency guard.
func (e *Engine) Guard() *Guard { return e.guard }

// Flush waits until every handler posted so far has run.
func (e *Engine) Flush(ctx context.Context) error {
	return e.dispatch.Flush(ctx)
}

// Post runs fn on the dispatcher goroutine.
func (e *Engine) Post(fn func()) bool {
	return e.dispatch.Post(fn)
}

// SetSink replaces the persistence sink used by sweeps started afterwards.
func (e *Engine) SetSink(s Sink) {
	e.mu.Lock()
	e.sink = s
	e.mu.Unlock()
}

// Sink returns the current persistence sink, or nil.
func (e *Engine) Sink() Sink {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sink
}

// AddPlotConsumer registers a live plot consumer.
func (e *Engine) AddPlotConsumer(p PlotConsumer) {
	e.mu.Lock()
	e.plots = append(e.plots, p)
	e.mu.Unlock()
}

// AddObserver registers a state observer.
func (e *Engine) AddObserver(o StateObserver) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

func (e *Engine) plotConsumers() []PlotConsumer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]PlotConsumer(nil), e.plots...)
}

func (e *Engine) notify(id string, kind Kind, st State) {
	e.mu.RLock()
	obs := append([]StateObserver(nil), e.observers...)
	e.mu.RUnlock()
	for _, o := range obs {
		o.ObserveState(id, kind, st)
	}
}

// sleep waits d or until ctx is done.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := e.opts.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
