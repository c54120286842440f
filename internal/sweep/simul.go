package sweep

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
)

// SimulAxis is one parameter of a simultaneous sweep. Either Step or NSteps
// is given; NSteps wins when both are.
type SimulAxis struct {
	Param  Parameter
	Start  float64
	Stop   float64
	Step   float64
	NSteps int
}

// SimulConfig configures a simultaneous sweep.
type SimulConfig struct {
	Config
	Axes []SimulAxis
}

// SimulSweep moves several parameters in lockstep. Every axis must take the
// same number of steps. The first axis is the nominal set parameter and
// decides when a leg ends.
type SimulSweep struct {
	*core
	axes  []SimulAxis
	legs  []leg
	flips atomic.Int32
}

// NewSimulSweep validates cfg and returns a sweep in StateReady. The axes
// are copied; the caller's slice is never modified.
func (e *Engine) NewSimulSweep(cfg SimulConfig) (*SimulSweep, error) {
	c, err := e.resolveConfig(cfg.Config)
	if err != nil {
		return nil, err
	}
	if len(cfg.Axes) == 0 {
		return nil, invalid("axes", "no parameters to sweep")
	}
	axes := append([]SimulAxis(nil), cfg.Axes...)
	legs := make([]leg, len(axes))
	steps := -1
	for i, a := range axes {
		field := fmt.Sprintf("axes[%d]", i)
		if a.Param == nil {
			return nil, invalid(field, "no parameter")
		}
		if a.NSteps < 0 {
			return nil, invalid(field, "n_steps must not be negative, got %d", a.NSteps)
		}
		step := a.Step
		if a.NSteps > 0 {
			step = (a.Stop - a.Start) / float64(a.NSteps)
		}
		if err := validateAxis(field, a.Param, a.Start, a.Stop, step); err != nil {
			return nil, err
		}
		for _, prev := range axes[:i] {
			if sameParam(prev.Param, a.Param) {
				return nil, invalid(field, "%s is swept twice", a.Param.Name())
			}
		}
		n := stepCount(a.Start, a.Stop, step)
		if steps < 0 {
			steps = n
		} else if n != steps {
			return nil, invalid(field, "%s takes %d steps but %s takes %d", a.Param.Name(), n, axes[0].Param.Name(), steps)
		}
		legs[i] = newLeg(Axis{Param: a.Param, Begin: a.Start, End: a.Stop, Step: step})
	}

	s := &SimulSweep{
		core: newCore(e, KindSimulSweep, c),
		axes: axes,
		legs: legs,
	}
	s.core.self = s
	s.core.st = s
	return s, nil
}

// Axes returns a copy of the configured axes.
func (s *SimulSweep) Axes() []SimulAxis {
	return append([]SimulAxis(nil), s.axes...)
}

// SetParam returns the nominal set parameter.
func (s *SimulSweep) SetParam() Parameter { return s.legs[0].param }

// Flips returns the number of direction changes in the current run.
func (s *SimulSweep) Flips() int { return int(s.flips.Load()) }

func (s *SimulSweep) reset() {
	for i := range s.legs {
		s.legs[i].reset()
	}
	s.flips.Store(0)
}

func (s *SimulSweep) needsRamp(ctx context.Context) (bool, error) {
	for i := range s.legs {
		l := &s.legs[i]
		v, err := s.e.getParam(ctx, l.param)
		if err != nil {
			return false, err
		}
		if math.Abs(v-l.begin) > math.Abs(l.fwd)*s.cfg.Err {
			return true, nil
		}
	}
	return false, nil
}

func (s *SimulSweep) rampToStart(ctx context.Context) error {
	for i := range s.legs {
		l := &s.legs[i]
		if err := s.rampParam(ctx, l.param, l.begin, l.fwd); err != nil {
			return err
		}
	}
	return nil
}

func (s *SimulSweep) step(ctx context.Context) (bool, error) {
	if !s.legs[0].started {
		for i := range s.legs {
			s.legs[i].started = true
		}
		return false, s.setAll(ctx)
	}
	for {
		if s.legs[0].more(s.cfg.Err) {
			for i := range s.legs {
				s.legs[i].advance()
			}
			return false, s.setAll(ctx)
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

func (s *SimulSweep) flipDirection() error {
	n := int(s.flips.Add(1))
	if n > maxFlips {
		return fmt.Errorf("%s reversed direction %d times", s.kind, n)
	}
	for i := range s.legs {
		s.legs[i].flip(n, s.cfg.BackMultiplier)
	}
	return nil
}

// setAll writes every axis before anything is measured.
func (s *SimulSweep) setAll(ctx context.Context) error {
	for i := range s.legs {
		if err := s.e.setParam(ctx, s.legs[i].param, s.legs[i].sp); err != nil {
			return err
		}
	}
	return nil
}

func (s *SimulSweep) measures() bool      { return true }
func (s *SimulSweep) extras() []Parameter { return nil }

func (s *SimulSweep) setpoints() []Reading {
	out := make([]Reading, len(s.legs))
	for i := range s.legs {
		out[i] = s.legs[i].reading()
	}
	return out
}

func (s *SimulSweep) setParams() []Parameter {
	out := make([]Parameter, len(s.legs))
	for i := range s.legs {
		out[i] = s.legs[i].param
	}
	return out
}

func (s *SimulSweep) columns() []Column { return s.paramColumns(s.setParams()) }

func (s *SimulSweep) fraction() float64 {
	return s.legs[0].fraction(s.Flips(), s.cfg.Bidirectional)
}

func (s *SimulSweep) direction() Direction {
	if s.Flips() == 1 {
		return Backward
	}
	return Forward
}
