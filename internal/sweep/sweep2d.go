package sweep

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Sweep2DConfig configures a 2-D sweep. Config applies to the outer axis;
// the inner sweep inherits the tolerance and, unless InnerDelay is set, the
// inter delay.
type Sweep2DConfig struct {
	Config
	Outer Axis
	Inner Axis

	// InnerUnidirectional turns off the default back-and-forth inner sweep.
	// A one-way inner sweep ramps back to its begin before every row.
	InnerUnidirectional bool
	InnerBackMultiplier float64
	InnerDelay          time.Duration

	// OuterMinisteps splits every outer step into this many moves.
	OuterMinisteps int
	// OuterDelay is the wait after each outer move. Zero uses InterDelay.
	OuterDelay time.Duration
}

// Sweep2D runs a full inner Sweep1D at every setpoint of an outer axis.
// The inner sweep records the rows; the outer value is stored with each.
type Sweep2D struct {
	*core
	outer      leg
	inner      *Sweep1D
	ministeps  int
	outerDelay time.Duration
	rows       int
	row        int
}

// NewSweep2D validates cfg and returns a sweep in StateReady.
func (e *Engine) NewSweep2D(cfg Sweep2DConfig) (*Sweep2D, error) {
	c, err := e.resolveConfig(cfg.Config)
	if err != nil {
		return nil, err
	}
	if c.Bidirectional {
		return nil, invalid("bidirectional", "the outer axis of a 2-D sweep runs one way")
	}
	if err := validateAxis("outer", cfg.Outer.Param, cfg.Outer.Begin, cfg.Outer.End, cfg.Outer.Step); err != nil {
		return nil, err
	}
	if err := validateAxis("inner", cfg.Inner.Param, cfg.Inner.Begin, cfg.Inner.End, cfg.Inner.Step); err != nil {
		return nil, err
	}
	if sameParam(cfg.Outer.Param, cfg.Inner.Param) {
		return nil, invalid("inner", "%s cannot be both the inner and outer parameter", cfg.Inner.Param.Name())
	}
	if cfg.OuterMinisteps < 0 {
		return nil, invalid("outer_ministeps", "must not be negative, got %d", cfg.OuterMinisteps)
	}

	innerDelay := cfg.InnerDelay
	if innerDelay == 0 {
		innerDelay = c.InterDelay
	}
	inner, err := e.NewSweep1D(Sweep1DConfig{
		Config: Config{
			Name:           c.Name + " inner",
			InterDelay:     innerDelay,
			Bidirectional:  !cfg.InnerUnidirectional,
			BackMultiplier: cfg.InnerBackMultiplier,
			Err:            c.Err,
		},
		Axis: cfg.Inner,
	})
	if err != nil {
		return nil, fmt.Errorf("inner sweep: %w", err)
	}

	outerDelay := cfg.OuterDelay
	if outerDelay == 0 {
		outerDelay = c.InterDelay
	}
	ministeps := cfg.OuterMinisteps
	if ministeps < 1 {
		ministeps = 1
	}
	s := &Sweep2D{
		core:       newCore(e, KindSweep2D, c),
		outer:      newLeg(cfg.Outer),
		inner:      inner,
		ministeps:  ministeps,
		outerDelay: outerDelay,
		rows:       stepCount(cfg.Outer.Begin, cfg.Outer.End, cfg.Outer.Step) + 1,
	}
	s.core.self = s
	s.core.st = s
	inner.extra = []Parameter{cfg.Outer.Param}
	s.link()
	return s, nil
}

func (s *Sweep2D) link() {
	s.inner.setParent(s.core)
	s.addChild(s.inner.core)
}

// Inner returns the inner sweep.
func (s *Sweep2D) Inner() *Sweep1D { return s.inner }

// OuterAxis returns the configured outer range.
func (s *Sweep2D) OuterAxis() Axis {
	return Axis{Param: s.outer.param, Begin: s.outer.begin, End: s.outer.end, Step: s.outer.fwd}
}

// Follow forwards to the inner sweep, which records the rows.
func (s *Sweep2D) Follow(params ...Parameter) error {
	for _, p := range params {
		if p != nil && sameParam(p, s.outer.param) {
			return invalid("follow", "%s is a set parameter of this sweep", p.Name())
		}
	}
	return s.inner.Follow(params...)
}

// Followed returns the inner sweep's followed parameters.
func (s *Sweep2D) Followed() []Parameter {
	return s.inner.Followed()
}

func (s *Sweep2D) reset() {
	s.outer.reset()
	s.row = 0
	s.link()
}

func (s *Sweep2D) needsRamp(ctx context.Context) (bool, error) {
	v, err := s.e.getParam(ctx, s.outer.param)
	if err != nil {
		return false, err
	}
	if math.Abs(v-s.outer.begin) > math.Abs(s.outer.fwd)*s.cfg.Err {
		return true, nil
	}
	return s.inner.needsRamp(ctx)
}

func (s *Sweep2D) rampToStart(ctx context.Context) error {
	if err := s.rampParam(ctx, s.outer.param, s.outer.begin, s.outer.fwd); err != nil {
		return err
	}
	return s.rampParam(ctx, s.inner.leg.param, s.inner.leg.begin, s.inner.rampStep)
}

// step runs one row: move the outer parameter, then the whole inner sweep.
// An errored sweep never advances the outer parameter.
func (s *Sweep2D) step(ctx context.Context) (bool, error) {
	if s.Progress().State == StateError {
		return true, nil
	}
	if !s.outer.started {
		s.outer.started = true
		if err := s.e.setParam(ctx, s.outer.param, s.outer.sp); err != nil {
			return false, err
		}
	} else {
		if !s.outer.more(s.cfg.Err) {
			return true, nil
		}
		prev := s.outer.sp
		s.outer.advance()
		if err := s.moveOuter(ctx, prev, s.outer.sp); err != nil {
			return false, err
		}
	}
	if err := s.runInner(ctx); err != nil {
		return false, err
	}
	s.row++
	return false, nil
}

func (s *Sweep2D) moveOuter(ctx context.Context, from, to float64) error {
	for i := 1; i <= s.ministeps; i++ {
		v := to
		if i < s.ministeps {
			v = from + (to-from)*float64(i)/float64(s.ministeps)
		}
		if err := s.e.setParam(ctx, s.outer.param, v); err != nil {
			return err
		}
		if err := s.e.sleep(ctx, s.outerDelay); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweep2D) runInner(ctx context.Context) error {
	s.inner.setParent(s.core)
	s.inner.setInherit(s.currentRecorder())
	s.inner.SetQueued(s.queued())
	if err := s.inner.Start(true); err != nil {
		return fmt.Errorf("start inner sweep: %w", err)
	}
	st, err := s.inner.Wait(ctx)
	if err != nil {
		// A failed inner sweep cancels ctx before its completion lands; it
		// stays in error and held.
		if !s.inner.Progress().State.Terminal() {
			s.inner.Kill()
		}
		return err
	}
	switch st.State {
	case StateDone:
		return nil
	case StateError:
		return fmt.Errorf("inner sweep failed: %s", st.ErrorMessage)
	default:
		return fmt.Errorf("inner sweep ended %s", st.State)
	}
}

func (s *Sweep2D) measures() bool       { return false }
func (s *Sweep2D) setpoints() []Reading { return nil }
func (s *Sweep2D) extras() []Parameter  { return nil }
func (s *Sweep2D) columns() []Column    { return s.inner.columns() }
func (s *Sweep2D) direction() Direction { return Forward }

func (s *Sweep2D) setParams() []Parameter {
	return []Parameter{s.outer.param, s.inner.leg.param}
}

func (s *Sweep2D) fraction() float64 {
	if s.rows <= 0 {
		return 1
	}
	return float64(s.row) / float64(s.rows)
}
