package sweep

import (
	"context"
	"errors"
	"sync"
	"time"
)

// runLoop is the worker goroutine of one run: open the dataset, ramp if
// asked, then set, measure, record and wait until the stepper is done.
func (c *core) runLoop(ctx context.Context, run int, ramp bool, exited chan struct{}) {
	defer close(exited)

	rec, owned, err := c.openRecorder(ctx)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	if owned {
		defer rec.close()
	}

	if ramp {
		if err := c.st.rampToStart(ctx); err != nil {
			c.fail(ctx, err)
			return
		}
		if !c.transition(StateRamping, StateReady) || !c.transition(StateReady, StateRunning) {
			return
		}
	}

	for {
		if err := c.waitIfPaused(ctx); err != nil {
			return
		}
		done, err := c.st.step(ctx)
		if err != nil {
			c.fail(ctx, err)
			return
		}
		if done {
			if owned {
				rec.close()
			}
			c.markDone(run)
			return
		}
		if c.st.measures() {
			s, err := c.measure(ctx, rec)
			if err != nil {
				c.fail(ctx, err)
				return
			}
			if err := rec.record(s); err != nil {
				c.fail(ctx, err)
				return
			}
		}
		c.setFraction(c.st.fraction())
		if err := c.e.sleep(ctx, c.cfg.InterDelay); err != nil {
			return
		}
	}
}

func (c *core) measure(ctx context.Context, rec *recorder) (Sample, error) {
	s := Sample{
		Time:      c.e.opts.Clock.Since(rec.t0).Seconds(),
		Direction: c.st.direction(),
		Readings:  c.st.setpoints(),
	}
	for _, p := range c.st.extras() {
		v, err := c.e.getParam(ctx, p)
		if err != nil {
			return s, err
		}
		s.Readings = append(s.Readings, Reading{Name: p.Name(), Unit: p.Unit(), Value: v})
	}
	for _, p := range c.Followed() {
		v, err := c.e.getParam(ctx, p)
		if err != nil {
			return s, err
		}
		s.Readings = append(s.Readings, Reading{Name: p.Name(), Unit: p.Unit(), Value: v})
	}
	return s, nil
}

// paramColumns lists the recorded columns: set parameters, extra independent
// parameters, then followed parameters.
func (c *core) paramColumns(set []Parameter) []Column {
	var cols []Column
	for _, p := range set {
		cols = append(cols, Column{Name: p.Name(), Unit: p.Unit(), Independent: true})
	}
	for _, p := range c.st.extras() {
		cols = append(cols, Column{Name: p.Name(), Unit: p.Unit(), Independent: true})
	}
	for _, p := range c.Followed() {
		cols = append(cols, Column{Name: p.Name(), Unit: p.Unit()})
	}
	return cols
}

// Columns returns the columns a run of this sweep records.
func (c *core) Columns() []Column {
	return c.st.columns()
}

// openRecorder returns the recorder for this run. Child sweeps write into
// the recorder handed down by their parent; everything else opens its own.
func (c *core) openRecorder(ctx context.Context) (*recorder, bool, error) {
	c.mu.Lock()
	inh := c.inherit
	c.mu.Unlock()
	if inh != nil {
		c.setRecorder(inh)
		return inh, false, nil
	}

	rec := &recorder{
		e:    c.e,
		id:   c.id,
		plot: c.cfg.Plot,
		t0:   c.e.opts.Clock.Now(),
	}
	if c.cfg.SaveData {
		sink := c.e.Sink()
		if sink == nil {
			return nil, false, &DatabaseInitError{Err: errors.New("no persistence sink configured")}
		}
		ds, err := sink.Begin(ctx, DatasetInfo{SweepID: c.id, Kind: c.kind, Name: c.Name(), StartedAt: rec.t0})
		if err != nil {
			return nil, false, &DatabaseInitError{Err: err}
		}
		for _, col := range c.st.columns() {
			if err := ds.Register(col); err != nil {
				_ = ds.Finalize()
				return nil, false, &DatabaseInitError{Err: err}
			}
		}
		rec.ds = ds
	}
	c.setRecorder(rec)
	return rec, true, nil
}

func (c *core) setRecorder(r *recorder) {
	c.mu.Lock()
	c.rec = r
	c.mu.Unlock()
}

func (c *core) currentRecorder() *recorder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

func (c *core) setInherit(r *recorder) {
	c.mu.Lock()
	c.inherit = r
	c.mu.Unlock()
}

// recorder forwards the samples of one run to the dataset and the plot
// consumers. A 2-D sweep shares its recorder with the inner sweep.
type recorder struct {
	e    *Engine
	id   string
	ds   Dataset
	plot bool
	t0   time.Time

	mu     sync.Mutex
	batch  []Sample
	closed bool
}

func (r *recorder) record(s Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if r.ds != nil {
		if err := r.ds.Append(s); err != nil {
			return err
		}
	}
	if r.plot {
		r.batch = append(r.batch, s)
		if len(r.batch) >= r.e.opts.PlotBatchSize {
			r.flushLocked()
		}
	}
	return nil
}

func (r *recorder) flushLocked() {
	if len(r.batch) == 0 {
		return
	}
	batch := r.batch
	r.batch = nil
	id := r.id
	consumers := r.e.plotConsumers()
	r.e.dispatch.Post(func() {
		for _, pc := range consumers {
			pc.AppendBatch(id, batch)
		}
	})
}

// close flushes pending plot samples and finalizes the dataset. Only the
// first call has any effect.
func (r *recorder) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.flushLocked()
	if r.ds != nil {
		if err := r.ds.Finalize(); err != nil {
			logf("[sweep] finalize dataset for %s: %v", r.id, err)
		}
	}
}
