package instrument

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/sweeper/internal/sweep"
)

// Response kinds understood by ResponseConfig.
const (
	ResponseLinear   = "linear"
	ResponsePinchOff = "pinch_off"
	ResponseSine     = "sine"
	ResponseGaussian = "gaussian"
)

// ResponseConfig describes a simulated measurement as a function of one
// input parameter, with optional Gaussian noise.
type ResponseConfig struct {
	Kind  string `json:"kind" yaml:"kind"`
	Input string `json:"input" yaml:"input"`

	Gain      float64 `json:"gain,omitempty" yaml:"gain,omitempty"`
	Offset    float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
	Amplitude float64 `json:"amplitude,omitempty" yaml:"amplitude,omitempty"`
	Center    float64 `json:"center,omitempty" yaml:"center,omitempty"`
	Width     float64 `json:"width,omitempty" yaml:"width,omitempty"`
	Period    float64 `json:"period,omitempty" yaml:"period,omitempty"`
	Noise     float64 `json:"noise,omitempty" yaml:"noise,omitempty"`
}

// Validate checks the shape parameters for kind.
func (c ResponseConfig) Validate() error {
	if c.Input == "" {
		return fmt.Errorf("response: missing input parameter")
	}
	if c.Noise < 0 {
		return fmt.Errorf("response: noise must be non-negative, got %g", c.Noise)
	}
	switch c.Kind {
	case ResponseLinear:
	case ResponsePinchOff, ResponseGaussian:
		if c.Width <= 0 {
			return fmt.Errorf("response %s: width must be positive, got %g", c.Kind, c.Width)
		}
	case ResponseSine:
		if c.Period <= 0 {
			return fmt.Errorf("response sine: period must be positive, got %g", c.Period)
		}
	default:
		return fmt.Errorf("response: unknown kind %q", c.Kind)
	}
	return nil
}

// shape returns the noiseless response as a function of the input value.
func (c ResponseConfig) shape() func(x float64) float64 {
	switch c.Kind {
	case ResponsePinchOff:
		// a field-effect channel closing below Center
		return func(x float64) float64 {
			return c.Offset + c.Amplitude*(1+math.Tanh((x-c.Center)/c.Width))/2
		}
	case ResponseSine:
		return func(x float64) float64 {
			return c.Offset + c.Amplitude*math.Sin(2*math.Pi*(x-c.Center)/c.Period)
		}
	case ResponseGaussian:
		return func(x float64) float64 {
			d := (x - c.Center) / c.Width
			return c.Offset + c.Amplitude*math.Exp(-d*d/2)
		}
	default:
		return func(x float64) float64 { return c.Offset + c.Gain*x }
	}
}

// Build returns a ResponseFunc reading input at every call.
func (c ResponseConfig) Build(input sweep.Parameter) (ResponseFunc, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	f := c.shape()
	var noise *distuv.Normal
	if c.Noise > 0 {
		noise = &distuv.Normal{Mu: 0, Sigma: c.Noise}
	}
	return func(ctx context.Context) (float64, error) {
		x, err := input.Get(ctx)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", input.Name(), err)
		}
		y := f(x)
		if noise != nil {
			y += noise.Rand()
		}
		return y, nil
	}, nil
}
