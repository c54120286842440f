package sweep

import (
	"context"
	"math"
)

// Parameter is an instrument quantity that can be read and, for set
// parameters, written. Both calls may fail transiently.
type Parameter interface {
	Name() string
	Unit() string
	Get(ctx context.Context) (float64, error)
	Set(ctx context.Context, v float64) error
}

// Bounded is implemented by parameters with validated limits.
type Bounded interface {
	Bounds() (min, max float64, ok bool)
}

// Enumerated is implemented by parameters that only accept discrete values.
// They cannot be driven by a continuous sweep.
type Enumerated interface {
	Allowed() []float64
}

// ParamLookup resolves parameter names when importing a definition.
type ParamLookup interface {
	Lookup(name string) (Parameter, bool)
}

// Column describes one recorded column of a dataset.
type Column struct {
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	Independent bool   `json:"independent"`
}

// Reading is one recorded value of a sample.
type Reading struct {
	Name  string  `json:"name"`
	Unit  string  `json:"unit"`
	Value float64 `json:"value"`
}

// Sample is produced once per iteration. Time is seconds since the
// recording sweep started.
type Sample struct {
	Time      float64   `json:"time"`
	Direction Direction `json:"direction"`
	Readings  []Reading `json:"readings"`
}

// Value returns the reading named name.
func (s Sample) Value(name string) (float64, bool) {
	for _, r := range s.Readings {
		if r.Name == name {
			return r.Value, true
		}
	}
	return 0, false
}

// getParam reads p, retrying transient failures.
func (e *Engine) getParam(ctx context.Context, p Parameter) (float64, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.ParamRetries; attempt++ {
		v, err := p.Get(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt < e.opts.ParamRetries {
			if err := e.sleep(ctx, e.opts.ParamRetryBackoff); err != nil {
				return 0, err
			}
		}
	}
	return 0, &ParameterError{Param: p.Name(), Op: "get", Attempts: e.opts.ParamRetries, Err: lastErr}
}

// setParam writes v to p, retrying transient failures.
func (e *Engine) setParam(ctx context.Context, p Parameter, v float64) error {
	var lastErr error
	for attempt := 1; attempt <= e.opts.ParamRetries; attempt++ {
		err := p.Set(ctx, v)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < e.opts.ParamRetries {
			if err := e.sleep(ctx, e.opts.ParamRetryBackoff); err != nil {
				return err
			}
		}
	}
	return &ParameterError{Param: p.Name(), Op: "set", Value: v, Attempts: e.opts.ParamRetries, Err: lastErr}
}

// validateAxis checks a (begin, end, step) range against p. Values exactly on
// a bound are allowed with a warning.
func validateAxis(field string, p Parameter, begin, end, step float64) error {
	if p == nil {
		return invalid(field, "no parameter")
	}
	if math.IsNaN(begin) || math.IsNaN(end) || math.IsNaN(step) || math.IsInf(step, 0) {
		return invalid(field, "non-finite range for %s", p.Name())
	}
	if en, ok := p.(Enumerated); ok && len(en.Allowed()) > 0 {
		return invalid(field, "%s only accepts discrete values", p.Name())
	}
	if begin != end {
		if step == 0 {
			return invalid(field, "step is zero for %s from %g to %g", p.Name(), begin, end)
		}
		if sign(step) != sign(end-begin) {
			return invalid(field, "step %g does not point from %g to %g", step, begin, end)
		}
	}
	if b, ok := p.(Bounded); ok {
		lo, hi, ok := b.Bounds()
		if ok {
			for _, v := range []float64{begin, end} {
				if v < lo || v > hi {
					return invalid(field, "%g is outside the limits [%g, %g] of %s", v, lo, hi, p.Name())
				}
				if v == lo || v == hi {
					logf("[sweep] warning: %s sweep value %g is on a limit of [%g, %g]", p.Name(), v, lo, hi)
				}
			}
		}
	}
	return nil
}
