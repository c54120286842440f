package instrument

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/sweeper/internal/monitoring"
	"github.com/banshee-data/sweeper/internal/serialmux"
	"github.com/banshee-data/sweeper/internal/sweep"
)

// Instrument kinds.
const (
	KindVirtual  = "virtual"
	KindSerial   = "serial"
	KindLoopback = "loopback"
)

// Config describes one instrument and the parameters it exposes.
type Config struct {
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind" yaml:"kind"`

	// Serial and loopback instruments.
	Port         string                `json:"port,omitempty" yaml:"port,omitempty"`
	Serial       serialmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`
	QueryTimeout string                `json:"query_timeout,omitempty" yaml:"query_timeout,omitempty"` // duration string like "500ms"
	Init         []string              `json:"init,omitempty" yaml:"init,omitempty"`

	Params []ParamConfig `json:"params" yaml:"params"`
}

// ParamConfig describes one parameter of an instrument.
type ParamConfig struct {
	Name    string    `json:"name" yaml:"name"`
	Unit    string    `json:"unit,omitempty" yaml:"unit,omitempty"`
	Initial float64   `json:"initial,omitempty" yaml:"initial,omitempty"`
	Min     *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Allowed []float64 `json:"allowed,omitempty" yaml:"allowed,omitempty"`

	// Serial and loopback parameters.
	SetCommand string `json:"set_command,omitempty" yaml:"set_command,omitempty"`
	Query      string `json:"query,omitempty" yaml:"query,omitempty"`

	// Virtual read-only parameters.
	Response *ResponseConfig `json:"response,omitempty" yaml:"response,omitempty"`
}

// Validate checks c without opening anything.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("instrument without a name")
	}
	switch c.Kind {
	case KindVirtual, KindLoopback:
	case KindSerial:
		if c.Port == "" {
			return fmt.Errorf("instrument %s: serial port path is required", c.Name)
		}
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("instrument %s: %w", c.Name, err)
		}
	default:
		return fmt.Errorf("instrument %s: unknown kind %q", c.Name, c.Kind)
	}
	if c.QueryTimeout != "" {
		if _, err := time.ParseDuration(c.QueryTimeout); err != nil {
			return fmt.Errorf("instrument %s: invalid query_timeout %q: %w", c.Name, c.QueryTimeout, err)
		}
	}
	if len(c.Params) == 0 {
		return fmt.Errorf("instrument %s: no parameters", c.Name)
	}
	for _, p := range c.Params {
		if p.Name == "" {
			return fmt.Errorf("instrument %s: parameter without a name", c.Name)
		}
		if (p.Min == nil) != (p.Max == nil) {
			return fmt.Errorf("parameter %s: min and max must be given together", p.Name)
		}
		if p.Min != nil && *p.Min > *p.Max {
			return fmt.Errorf("parameter %s: min %g above max %g", p.Name, *p.Min, *p.Max)
		}
		if c.Kind == KindVirtual {
			if p.SetCommand != "" || p.Query != "" {
				return fmt.Errorf("parameter %s: virtual parameters take no commands", p.Name)
			}
			if p.Response != nil {
				if err := p.Response.Validate(); err != nil {
					return fmt.Errorf("parameter %s: %w", p.Name, err)
				}
			}
			continue
		}
		if p.Response != nil {
			return fmt.Errorf("parameter %s: only virtual parameters take a response", p.Name)
		}
		if p.Query == "" {
			return fmt.Errorf("parameter %s: query command is required", p.Name)
		}
	}
	return nil
}

// Opener opens the line-protocol connection of a serial or loopback
// instrument.
type Opener func(c Config) (serialmux.SerialMuxInterface, error)

// DefaultOpener opens real serial ports and in-memory loopback devices.
func DefaultOpener(c Config) (serialmux.SerialMuxInterface, error) {
	if c.Kind == KindLoopback {
		return serialmux.NewSerialMux(c.Name, serialmux.NewLoopback(c.Name+",loopback,0,1.0")), nil
	}
	mux, err := serialmux.NewRealSerialMux(c.Name, c.Port, c.Serial)
	if err != nil {
		return nil, err
	}
	return mux, nil
}

// Build creates every configured parameter. Serial monitors run until ctx
// is cancelled or the registry is closed. On error everything opened so far
// is closed again.
func Build(ctx context.Context, cfgs []Config, open Opener) (*Registry, error) {
	if open == nil {
		open = DefaultOpener
	}
	reg := NewRegistry()
	type pending struct {
		v   *Virtual
		cfg ResponseConfig
	}
	var responses []pending

	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			reg.Close()
			return nil, err
		}
		if c.Kind == KindVirtual {
			for _, pc := range c.Params {
				v := NewVirtual(pc.Name, pc.Unit, pc.Initial)
				if pc.Min != nil {
					v.SetBounds(*pc.Min, *pc.Max)
				}
				if len(pc.Allowed) > 0 {
					v.SetAllowed(pc.Allowed)
				}
				if pc.Response != nil {
					responses = append(responses, pending{v, *pc.Response})
				}
				if err := reg.Add(v); err != nil {
					reg.Close()
					return nil, err
				}
			}
			continue
		}
		if err := buildSerial(ctx, reg, c, open); err != nil {
			reg.Close()
			return nil, err
		}
	}

	for _, p := range responses {
		input, ok := reg.Lookup(p.cfg.Input)
		if !ok {
			reg.Close()
			return nil, fmt.Errorf("parameter %s: unknown response input %q", p.v.Name(), p.cfg.Input)
		}
		fn, err := p.cfg.Build(input)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("parameter %s: %w", p.v.Name(), err)
		}
		p.v.SetResponse(fn)
	}
	monitoring.Logf("[instrument] registered %d parameters from %d instruments", len(reg.Names()), len(cfgs))
	return reg, nil
}

func buildSerial(ctx context.Context, reg *Registry, c Config, open Opener) error {
	mux, err := open(c)
	if err != nil {
		return fmt.Errorf("open instrument %s: %w", c.Name, err)
	}
	reg.own(mux)

	if c.QueryTimeout != "" {
		d, _ := time.ParseDuration(c.QueryTimeout)
		if t, ok := mux.(interface{ SetQueryTimeout(time.Duration) }); ok {
			t.SetQueryTimeout(d)
		}
	}
	go func() {
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("[instrument] %s monitor stopped: %v", c.Name, err)
		}
	}()
	if err := mux.Initialize(c.Init...); err != nil {
		return fmt.Errorf("initialize instrument %s: %w", c.Name, err)
	}

	for _, pc := range c.Params {
		s := NewSerial(pc.Name, pc.Unit, mux, pc.SetCommand, pc.Query)
		if pc.Min != nil {
			s.SetBounds(*pc.Min, *pc.Max)
		}
		if c.Kind == KindLoopback && pc.SetCommand != "" {
			if err := s.Set(ctx, pc.Initial); err != nil {
				return fmt.Errorf("initialize %s: %w", pc.Name, err)
			}
		}
		if err := reg.Add(s); err != nil {
			return err
		}
	}
	return nil
}

var _ sweep.ParamLookup = (*Registry)(nil)
