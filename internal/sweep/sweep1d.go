package sweep

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
)

// Sweep1DConfig configures a single-parameter sweep.
type Sweep1DConfig struct {
	Config
	Axis

	// RampStep is the step used to ramp to Begin. Zero uses |Step|.
	RampStep float64
}

// Sweep1D steps one parameter from Begin to End, and back again when
// bidirectional.
type Sweep1D struct {
	*core
	leg      leg
	rampStep float64

	// extra parameters recorded as independent columns; a 2-D sweep puts
	// its outer parameter here.
	extra []Parameter

	flips   atomic.Int32
	lastSet atomic.Uint64
}

// NewSweep1D validates cfg and returns a sweep in StateReady.
func (e *Engine) NewSweep1D(cfg Sweep1DConfig) (*Sweep1D, error) {
	c, err := e.resolveConfig(cfg.Config)
	if err != nil {
		return nil, err
	}
	if err := validateAxis("axis", cfg.Param, cfg.Begin, cfg.End, cfg.Step); err != nil {
		return nil, err
	}
	rampStep := math.Abs(cfg.RampStep)
	if rampStep == 0 {
		rampStep = math.Abs(cfg.Step)
	}
	s := &Sweep1D{
		core:     newCore(e, KindSweep1D, c),
		leg:      newLeg(cfg.Axis),
		rampStep: rampStep,
	}
	s.core.self = s
	s.core.st = s
	return s, nil
}

// newRamp builds the child sweep that moves p from one value to another.
func (e *Engine) newRamp(parent *core, p Parameter, from, to, step float64) (*Sweep1D, error) {
	st := math.Abs(step)
	if to < from {
		st = -st
	}
	s, err := e.NewSweep1D(Sweep1DConfig{
		Config: Config{
			Name:       "ramp " + p.Name(),
			InterDelay: parent.cfg.InterDelay,
			Err:        parent.cfg.Err,
		},
		Axis: Axis{Param: p, Begin: from, End: to, Step: st},
	})
	if err != nil {
		return nil, err
	}
	s.setParent(parent)
	s.SetQueued(parent.queued())
	return s, nil
}

// SetParam returns the swept parameter.
func (s *Sweep1D) SetParam() Parameter { return s.leg.param }

// Axis returns the configured range.
func (s *Sweep1D) Axis() Axis {
	return Axis{Param: s.leg.param, Begin: s.leg.begin, End: s.leg.end, Step: s.leg.fwd}
}

// Flips returns the number of direction changes in the current run.
func (s *Sweep1D) Flips() int { return int(s.flips.Load()) }

// Setpoint returns the last value written to the set parameter.
func (s *Sweep1D) Setpoint() float64 { return math.Float64frombits(s.lastSet.Load()) }

// RampTo moves the set parameter to target, through a ramp sweep when it is
// more than the tolerance away.
func (s *Sweep1D) RampTo(ctx context.Context, target float64) error {
	return s.rampParam(ctx, s.leg.param, target, s.rampStep)
}

func (s *Sweep1D) reset() {
	s.leg.reset()
	s.flips.Store(0)
}

func (s *Sweep1D) needsRamp(ctx context.Context) (bool, error) {
	v, err := s.e.getParam(ctx, s.leg.param)
	if err != nil {
		return false, err
	}
	return math.Abs(v-s.leg.begin) > s.rampStep*s.cfg.Err, nil
}

func (s *Sweep1D) rampToStart(ctx context.Context) error {
	return s.rampParam(ctx, s.leg.param, s.leg.begin, s.rampStep)
}

func (s *Sweep1D) step(ctx context.Context) (bool, error) {
	if !s.leg.started {
		s.leg.started = true
		return false, s.set(ctx)
	}
	for {
		if s.leg.more(s.cfg.Err) {
			s.leg.advance()
			return false, s.set(ctx)
		}
		n := s.Flips()
		if s.cfg.Bidirectional && n == 0 {
			if err := s.flipDirection(); err != nil {
				return false, err
			}
			continue
		}
		if n == 1 {
			if err := s.flipDirection(); err != nil {
				return false, err
			}
		}
		return true, nil
	}
}

// flipDirection reverses the sweep. The return leg uses the step scaled by
// the back multiplier; the second flip restores the forward step.
func (s *Sweep1D) flipDirection() error {
	n := int(s.flips.Add(1))
	if n > maxFlips {
		return fmt.Errorf("%s sweep of %s reversed direction %d times", s.kind, s.leg.param.Name(), n)
	}
	s.leg.flip(n, s.cfg.BackMultiplier)
	if n == 1 {
		logf("[sweep] %s %s reversing at %g with step %g", s.kind, s.id, s.leg.sp, s.leg.step)
	}
	return nil
}

func (s *Sweep1D) set(ctx context.Context) error {
	if err := s.e.setParam(ctx, s.leg.param, s.leg.sp); err != nil {
		return err
	}
	s.lastSet.Store(math.Float64bits(s.leg.sp))
	return nil
}

func (s *Sweep1D) measures() bool { return true }

func (s *Sweep1D) setpoints() []Reading { return []Reading{s.leg.reading()} }

func (s *Sweep1D) extras() []Parameter { return s.extra }

func (s *Sweep1D) setParams() []Parameter { return []Parameter{s.leg.param} }

func (s *Sweep1D) columns() []Column {
	return s.paramColumns([]Parameter{s.leg.param})
}

func (s *Sweep1D) fraction() float64 {
	return s.leg.fraction(s.Flips(), s.cfg.Bidirectional)
}

func (s *Sweep1D) direction() Direction {
	if s.Flips() == 1 {
		return Backward
	}
	return Forward
}
