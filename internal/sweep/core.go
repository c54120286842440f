package sweep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Sweep is the job-control surface shared by all sweep variants. The set of
// implementations is closed: Sweep0D, Sweep1D, Sweep2D and SimulSweep.
type Sweep interface {
	ID() string
	Kind() Kind
	Name() string
	Progress() ProgressState
	Start(rampToStart bool) error
	Pause() error
	Resume() error
	Kill()
	ClearError()
	Follow(params ...Parameter) error
	Followed() []Parameter
	Columns() []Column
	SetQueued(queued bool)
	OnCompleted(fn func(ProgressState)) (cancel func())
	Wait(ctx context.Context) (ProgressState, error)
	Export() Definition

	base() *core
}

// stepper is the variant-specific half of a sweep, driven by the runner.
type stepper interface {
	// reset rewinds iteration state before each run.
	reset()
	needsRamp(ctx context.Context) (bool, error)
	rampToStart(ctx context.Context) error
	// step moves the set parameters to the next setpoint. It reports done
	// once there is nothing left to set.
	step(ctx context.Context) (done bool, err error)
	// measures is false for variants whose children record the samples.
	measures() bool
	setpoints() []Reading
	extras() []Parameter
	setParams() []Parameter
	columns() []Column
	fraction() float64
	direction() Direction
}

type handler struct {
	id int
	fn func(ProgressState)
}

// core carries the lifecycle shared by every variant. Variants embed it.
type core struct {
	e    *Engine
	id   string
	kind Kind
	cfg  Config
	self Sweep
	st   stepper

	mu       sync.Mutex
	progress ProgressState
	parent   *core
	children map[*core]struct{}
	follow   []Parameter
	handlers []handler
	nextID   int

	// run is bumped by every Start; closures posted by a worker carry
	// the run they belong to and are dropped if it is stale.
	run     int
	emitted bool
	done    chan struct{}
	cancel  context.CancelFunc
	exited  chan struct{}
	resume  chan struct{}
	inherit *recorder
	rec     *recorder
}

func newCore(e *Engine, kind Kind, cfg Config) *core {
	return &core{
		e:        e,
		id:       uuid.NewString(),
		kind:     kind,
		cfg:      cfg,
		progress: ProgressState{State: StateReady},
	}
}

func (c *core) base() *core { return c }

// ID returns the sweep's unique identifier.
func (c *core) ID() string { return c.id }

// Kind returns the sweep variant.
func (c *core) Kind() Kind { return c.kind }

// Name returns the configured label, or the kind when none was set.
func (c *core) Name() string {
	if c.cfg.Name != "" {
		return c.cfg.Name
	}
	return string(c.kind)
}

// Config returns the resolved configuration.
func (c *core) Config() Config { return c.cfg }

// Progress returns a snapshot of the lifecycle state.
func (c *core) Progress() ProgressState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *core) snapshotLocked() ProgressState {
	p := c.progress
	if p.StartedAt != nil {
		t := *p.StartedAt
		p.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		p.CompletedAt = &t
	}
	return p
}

// SetQueued marks the sweep as run by a queue, which exempts it from the
// concurrency check.
func (c *core) SetQueued(queued bool) {
	c.mu.Lock()
	c.progress.IsQueued = queued
	c.mu.Unlock()
}

func (c *core) queued() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress.IsQueued
}

func (c *core) getParent() *core {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parent
}

func (c *core) setParent(p *core) {
	c.mu.Lock()
	c.parent = p
	c.mu.Unlock()
}

func (c *core) addChild(ch *core) {
	c.mu.Lock()
	if c.children == nil {
		c.children = make(map[*core]struct{})
	}
	c.children[ch] = struct{}{}
	c.mu.Unlock()
}

func (c *core) removeChild(ch *core) {
	c.mu.Lock()
	delete(c.children, ch)
	c.mu.Unlock()
}

func (c *core) childList() []*core {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*core, 0, len(c.children))
	for ch := range c.children {
		out = append(out, ch)
	}
	return out
}

func (c *core) currentRun() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

// transition moves from one state to another and reports whether the
// sweep was in from.
func (c *core) transition(from, to State) bool {
	c.mu.Lock()
	if c.progress.State != from {
		c.mu.Unlock()
		return false
	}
	c.progress.State = to
	c.mu.Unlock()
	c.e.notify(c.id, c.kind, to)
	return true
}

func (c *core) setFraction(f float64) {
	c.mu.Lock()
	if !c.progress.State.Terminal() {
		c.progress.Progress = clamp01(f)
	}
	c.mu.Unlock()
}

// Followed returns the parameters read at every step.
func (c *core) Followed() []Parameter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Parameter(nil), c.follow...)
}

// Follow adds parameters to read at every step. A parameter that this
// sweep, or a sweep enclosing it, sets is rejected: it is already recorded
// as an independent column.
func (c *core) Follow(params ...Parameter) error {
	var set []Parameter
	for n := c; n != nil; n = n.getParent() {
		set = append(set, n.st.setParams()...)
	}
	for _, p := range params {
		if p == nil {
			return invalid("follow", "nil parameter")
		}
		for _, sp := range set {
			if sameParam(p, sp) {
				return invalid("follow", "%s is a set parameter of this sweep", p.Name())
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress.State.Active() || c.progress.State == StatePaused {
		return invalid("follow", "cannot change followed parameters while %s", c.progress.State)
	}
next:
	for _, p := range params {
		for _, f := range c.follow {
			if sameParam(p, f) {
				continue next
			}
		}
		c.follow = append(c.follow, p)
	}
	return nil
}

func sameParam(a, b Parameter) bool {
	return a == b || a.Name() == b.Name()
}

// OnCompleted registers fn to run when a run ends in done, error or killed.
// Handlers for a run ending on a worker goroutine run on the dispatcher;
// handlers for a run ended by the caller (Kill, a failed Start) run inline.
func (c *core) OnCompleted(fn func(ProgressState)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handler{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.handlers {
			if h.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// Wait blocks until the current run has delivered its completion, or ctx is
// done. A sweep that was never started, or whose last Start was rejected,
// returns immediately.
func (c *core) Wait(ctx context.Context) (ProgressState, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return c.Progress(), nil
	}
	select {
	case <-done:
		return c.Progress(), nil
	case <-ctx.Done():
		return c.Progress(), ctx.Err()
	}
}

// Start begins a new run. With rampToStart the set parameters are first
// ramped to their begin values when they are further away than the
// tolerance.
func (c *core) Start(rampToStart bool) error {
	c.mu.Lock()
	if c.progress.State.Active() || c.progress.State == StatePaused {
		st := c.progress.State
		c.mu.Unlock()
		return invalid("state", "%s %s is already %s", c.kind, c.id, st)
	}
	c.run++
	run := c.run
	c.emitted = false
	c.done = make(chan struct{})
	now := c.e.opts.Clock.Now()
	c.progress.State = StateReady
	c.progress.ErrorMessage = ""
	c.progress.Progress = 0
	c.progress.StartedAt = &now
	c.progress.CompletedAt = nil
	c.mu.Unlock()

	c.e.guard.release(c)
	c.e.notify(c.id, c.kind, StateReady)
	c.st.reset()

	next := StateRunning
	if rampToStart {
		need, err := c.st.needsRamp(context.Background())
		if err != nil {
			c.markError(err, false)
			return err
		}
		if need {
			next = StateRamping
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.exited = exited
	c.mu.Unlock()

	if err := c.e.guard.admit(c, next); err != nil {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.exited = nil
		c.done = nil
		c.mu.Unlock()
		logf("[sweep] %s %s not started: %v", c.kind, c.id, err)
		return err
	}

	logf("[sweep] started %s %s (%s)", c.kind, c.id, next)
	go c.runLoop(ctx, run, next == StateRamping, exited)
	return nil
}

// Pause suspends a running sweep at the next iteration boundary.
func (c *core) Pause() error {
	c.mu.Lock()
	if c.progress.State != StateRunning {
		st := c.progress.State
		c.mu.Unlock()
		return invalid("state", "cannot pause a %s sweep", st)
	}
	c.progress.State = StatePaused
	c.resume = make(chan struct{})
	c.mu.Unlock()
	c.e.notify(c.id, c.kind, StatePaused)

	for _, ch := range c.childList() {
		if ch.Progress().State == StateRunning {
			_ = ch.Pause()
		}
	}
	return nil
}

// Resume continues a paused sweep.
func (c *core) Resume() error {
	c.mu.Lock()
	if c.progress.State != StatePaused {
		st := c.progress.State
		c.mu.Unlock()
		return invalid("state", "cannot resume a %s sweep", st)
	}
	c.progress.State = StateRunning
	if c.resume != nil {
		close(c.resume)
		c.resume = nil
	}
	c.mu.Unlock()
	c.e.notify(c.id, c.kind, StateRunning)

	for _, ch := range c.childList() {
		if ch.Progress().State == StatePaused {
			_ = ch.Resume()
		}
	}
	return nil
}

func (c *core) waitIfPaused(ctx context.Context) error {
	c.mu.Lock()
	ch := c.resume
	c.mu.Unlock()
	if ch == nil {
		return ctx.Err()
	}
	select {
	case <-ch:
	case <-ctx.Done():
	}
	return ctx.Err()
}

// Kill stops the sweep and its children. It waits up to the engine's kill
// timeout for the worker to exit and abandons it after that. Kill always
// leaves the sweep terminal with its run references cleared, and is safe to
// call any number of times. OnCompleted subscriptions survive a kill.
func (c *core) Kill() {
	c.mu.Lock()
	cancel, exited := c.cancel, c.exited
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range c.childList() {
		ch.Kill()
	}
	if exited != nil {
		t := c.e.opts.Clock.NewTimer(c.e.opts.KillTimeout)
		select {
		case <-exited:
		case <-t.C():
			logf("[sweep] %s %s worker did not stop within %v, abandoning it", c.kind, c.id, c.e.opts.KillTimeout)
		}
		t.Stop()
	}

	c.mu.Lock()
	prev := c.progress.State
	if prev != StateDone && prev != StateKilled {
		c.progress.State = StateKilled
		now := c.e.opts.Clock.Now()
		c.progress.CompletedAt = &now
	}
	emit := c.run > 0 && !c.emitted
	c.emitted = true
	snap := c.snapshotLocked()
	hs := append([]handler(nil), c.handlers...)
	done := c.done
	c.children = nil
	c.parent = nil
	c.cancel = nil
	c.exited = nil
	c.resume = nil
	c.inherit = nil
	c.rec = nil
	c.mu.Unlock()

	c.e.guard.deregister(c)
	c.e.guard.release(c)
	if prev != snap.State {
		logf("[sweep] killed %s %s", c.kind, c.id)
		c.e.notify(c.id, c.kind, snap.State)
	}
	if emit {
		for _, h := range hs {
			h.fn(snap)
		}
		if done != nil {
			close(done)
		}
	}
}

// MarkError moves the sweep to StateError. It is a no-op once the run is
// terminal.
func (c *core) MarkError(err error) {
	c.markError(err, false)
}

// markError records err and stops the worker. From a worker goroutine the
// completion is posted to the dispatcher; from anywhere else it is emitted
// before markError returns.
func (c *core) markError(err error, fromWorker bool) {
	c.mu.Lock()
	if c.progress.State.Terminal() {
		c.mu.Unlock()
		return
	}
	c.progress.State = StateError
	c.progress.ErrorMessage = err.Error()
	c.progress.ErrorCount++
	now := c.e.opts.Clock.Now()
	c.progress.CompletedAt = &now
	run := c.run
	cancel := c.cancel
	c.mu.Unlock()

	c.e.guard.hold(c)
	c.e.notify(c.id, c.kind, StateError)
	logf("[sweep] %s %s error: %v", c.kind, c.id, err)
	if cancel != nil {
		cancel()
	}
	if fromWorker {
		c.post(run)
	} else {
		c.emit(run)
	}
}

// markDone finishes a run. It never overrides error or killed.
func (c *core) markDone(run int) {
	c.mu.Lock()
	if run != c.run || c.progress.State.Terminal() {
		c.mu.Unlock()
		return
	}
	c.progress.State = StateDone
	c.progress.Progress = 1
	now := c.e.opts.Clock.Now()
	c.progress.CompletedAt = &now
	c.mu.Unlock()

	c.e.guard.deregister(c)
	c.e.notify(c.id, c.kind, StateDone)
	logf("[sweep] %s %s done", c.kind, c.id)
	c.post(run)
}

// ClearError returns an errored sweep to ready and drops the strong
// reference that kept it alive.
func (c *core) ClearError() {
	c.mu.Lock()
	if c.progress.State != StateError {
		c.mu.Unlock()
		return
	}
	c.progress.State = StateReady
	c.progress.ErrorMessage = ""
	c.mu.Unlock()

	c.e.guard.release(c)
	c.e.guard.deregister(c)
	c.e.notify(c.id, c.kind, StateReady)
}

func (c *core) post(run int) {
	if !c.e.dispatch.Post(func() { c.emit(run) }) {
		c.emit(run)
	}
}

// emit delivers the completion of run to the handlers, propagates an error
// to the parent sweep and releases waiters.
func (c *core) emit(run int) {
	c.mu.Lock()
	if run != c.run || c.emitted {
		c.mu.Unlock()
		return
	}
	c.emitted = true
	snap := c.snapshotLocked()
	hs := append([]handler(nil), c.handlers...)
	parent := c.parent
	done := c.done
	c.mu.Unlock()

	for _, h := range hs {
		h.fn(snap)
	}
	if snap.State == StateError && parent != nil {
		parent.markError(fmt.Errorf("%s %s failed: %s", c.kind, c.id, snap.ErrorMessage), true)
	}
	if done != nil {
		close(done)
	}
}

// fail reports a worker error unless the worker was asked to stop.
func (c *core) fail(ctx context.Context, err error) {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return
	}
	if ctx.Err() != nil {
		logf("[sweep] %s %s stopping: %v", c.kind, c.id, err)
		return
	}
	c.markError(err, true)
}

// rampParam moves p to target. Far moves go through a child ramp sweep; the
// final position is checked against the step tolerance.
func (c *core) rampParam(ctx context.Context, p Parameter, target, step float64) error {
	tol := math.Abs(step) * c.cfg.Err
	cur, err := c.e.getParam(ctx, p)
	if err != nil {
		return err
	}
	if math.Abs(cur-target) > tol {
		rs, err := c.e.newRamp(c, p, cur, target, step)
		if err != nil {
			return fmt.Errorf("ramp %s: %w", p.Name(), err)
		}
		c.addChild(rs.core)
		defer c.removeChild(rs.core)

		logf("[sweep] ramping %s from %g to %g", p.Name(), cur, target)
		if err := rs.Start(false); err != nil {
			return fmt.Errorf("ramp %s: %w", p.Name(), err)
		}
		st, err := rs.Wait(ctx)
		if err != nil {
			if !rs.Progress().State.Terminal() {
				rs.Kill()
			}
			return err
		}
		if st.State != StateDone {
			return fmt.Errorf("ramp of %s ended %s: %s", p.Name(), st.State, st.ErrorMessage)
		}
	}
	if err := c.e.setParam(ctx, p, target); err != nil {
		return err
	}
	got, err := c.e.getParam(ctx, p)
	if err != nil {
		return err
	}
	if math.Abs(got-target) > tol {
		return &RampToleranceError{Param: p.Name(), Target: target, Actual: got, Tolerance: tol}
	}
	return nil
}
