package sweep

import (
	"context"
	"time"
)

// Sweep0DConfig configures a monitor sweep.
type Sweep0DConfig struct {
	Config

	// MaxTime ends the sweep after this long. Zero runs until killed.
	MaxTime time.Duration
}

// Sweep0D sets nothing and records the followed parameters over time.
type Sweep0D struct {
	*core
	maxTime time.Duration
	started bool
	t0      time.Time
	elapsed time.Duration
}

// NewSweep0D validates cfg and returns a sweep in StateReady.
func (e *Engine) NewSweep0D(cfg Sweep0DConfig) (*Sweep0D, error) {
	c, err := e.resolveConfig(cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.MaxTime < 0 {
		return nil, invalid("max_time", "must not be negative, got %v", cfg.MaxTime)
	}
	s := &Sweep0D{core: newCore(e, KindSweep0D, c), maxTime: cfg.MaxTime}
	s.core.self = s
	s.core.st = s
	return s, nil
}

// MaxTime returns the configured duration limit.
func (s *Sweep0D) MaxTime() time.Duration { return s.maxTime }

func (s *Sweep0D) reset() {
	s.started = false
	s.elapsed = 0
}

func (s *Sweep0D) needsRamp(context.Context) (bool, error) { return false, nil }

func (s *Sweep0D) rampToStart(context.Context) error { return nil }

func (s *Sweep0D) step(context.Context) (bool, error) {
	if !s.started {
		s.started = true
		s.t0 = s.e.opts.Clock.Now()
		return false, nil
	}
	s.elapsed = s.e.opts.Clock.Since(s.t0)
	return s.maxTime > 0 && s.elapsed >= s.maxTime, nil
}

func (s *Sweep0D) measures() bool         { return true }
func (s *Sweep0D) setpoints() []Reading   { return nil }
func (s *Sweep0D) extras() []Parameter    { return nil }
func (s *Sweep0D) setParams() []Parameter { return nil }
func (s *Sweep0D) columns() []Column      { return s.paramColumns(nil) }
func (s *Sweep0D) direction() Direction   { return Forward }

func (s *Sweep0D) fraction() float64 {
	if s.maxTime <= 0 {
		return 0
	}
	return float64(s.elapsed) / float64(s.maxTime)
}
