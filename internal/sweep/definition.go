package sweep

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Definition is the portable form of a sweep: its class, its attributes
// and the names of its followed parameters. Import rebuilds an equivalent
// sweep from it given a parameter registry. Durations are in seconds.
type Definition struct {
	Class      Kind                   `json:"class" yaml:"class"`
	Attributes map[string]interface{} `json:"attributes" yaml:"attributes"`
	Follow     []string               `json:"follow,omitempty" yaml:"follow,omitempty"`
}

func exportConfig(cfg Config) map[string]interface{} {
	return map[string]interface{}{
		"name":            cfg.Name,
		"inter_delay":     cfg.InterDelay.Seconds(),
		"bidirectional":   cfg.Bidirectional,
		"back_multiplier": cfg.BackMultiplier,
		"err":             cfg.Err,
		"save_data":       cfg.SaveData,
		"plot_data":       cfg.Plot,
	}
}

func followNames(ps []Parameter) []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name()
	}
	return names
}

// Export returns the definition of s.
func (s *Sweep0D) Export() Definition {
	a := exportConfig(s.cfg)
	a["max_time"] = s.maxTime.Seconds()
	return Definition{Class: KindSweep0D, Attributes: a, Follow: followNames(s.Followed())}
}

// Export returns the definition of s.
func (s *Sweep1D) Export() Definition {
	a := exportConfig(s.cfg)
	a["set_param"] = s.leg.param.Name()
	a["begin"] = s.leg.begin
	a["end"] = s.leg.end
	a["step"] = s.leg.fwd
	a["ramp_step"] = s.rampStep
	return Definition{Class: KindSweep1D, Attributes: a, Follow: followNames(s.Followed())}
}

// Export returns the definition of s.
func (s *Sweep2D) Export() Definition {
	a := exportConfig(s.cfg)
	a["outer_param"] = s.outer.param.Name()
	a["outer_begin"] = s.outer.begin
	a["outer_end"] = s.outer.end
	a["outer_step"] = s.outer.fwd
	a["outer_ministeps"] = s.ministeps
	a["outer_delay"] = s.outerDelay.Seconds()
	in := s.inner
	a["inner_param"] = in.leg.param.Name()
	a["inner_begin"] = in.leg.begin
	a["inner_end"] = in.leg.end
	a["inner_step"] = in.leg.fwd
	a["inner_bidirectional"] = in.cfg.Bidirectional
	a["inner_back_multiplier"] = in.cfg.BackMultiplier
	a["inner_delay"] = in.cfg.InterDelay.Seconds()
	return Definition{Class: KindSweep2D, Attributes: a, Follow: followNames(s.Followed())}
}

// Export returns the definition of s.
func (s *SimulSweep) Export() Definition {
	a := exportConfig(s.cfg)
	axes := make([]interface{}, len(s.axes))
	for i, ax := range s.axes {
		axes[i] = map[string]interface{}{
			"param":   ax.Param.Name(),
			"start":   ax.Start,
			"stop":    ax.Stop,
			"step":    ax.Step,
			"n_steps": ax.NSteps,
		}
	}
	a["axes"] = axes
	return Definition{Class: KindSimulSweep, Attributes: a, Follow: followNames(s.Followed())}
}

// Import builds a sweep from def, resolving parameter names through lookup.
func (e *Engine) Import(def Definition, lookup ParamLookup) (Sweep, error) {
	a := attrs(def.Attributes)
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}

	var s Sweep
	switch def.Class {
	case KindSweep0D:
		maxTime, err := a.duration("max_time")
		if err != nil {
			return nil, err
		}
		s, err = e.NewSweep0D(Sweep0DConfig{Config: cfg, MaxTime: maxTime})
		if err != nil {
			return nil, err
		}
	case KindSweep1D:
		axis, err := a.axis(lookup, "set_param", "begin", "end", "step")
		if err != nil {
			return nil, err
		}
		rampStep, err := a.float("ramp_step")
		if err != nil {
			return nil, err
		}
		s, err = e.NewSweep1D(Sweep1DConfig{Config: cfg, Axis: axis, RampStep: rampStep})
		if err != nil {
			return nil, err
		}
	case KindSweep2D:
		s, err = e.import2D(cfg, a, lookup)
		if err != nil {
			return nil, err
		}
	case KindSimulSweep:
		axes, err := a.simulAxes(lookup)
		if err != nil {
			return nil, err
		}
		s, err = e.NewSimulSweep(SimulConfig{Config: cfg, Axes: axes})
		if err != nil {
			return nil, err
		}
	default:
		return nil, invalid("class", "unknown sweep class %q", def.Class)
	}

	follow := make([]Parameter, 0, len(def.Follow))
	for _, name := range def.Follow {
		p, ok := lookup.Lookup(name)
		if !ok {
			return nil, invalid("follow", "unknown parameter %q", name)
		}
		follow = append(follow, p)
	}
	if err := s.Follow(follow...); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) import2D(cfg Config, a attrs, lookup ParamLookup) (Sweep, error) {
	outer, err := a.axis(lookup, "outer_param", "outer_begin", "outer_end", "outer_step")
	if err != nil {
		return nil, err
	}
	inner, err := a.axis(lookup, "inner_param", "inner_begin", "inner_end", "inner_step")
	if err != nil {
		return nil, err
	}
	c := Sweep2DConfig{Config: cfg, Outer: outer, Inner: inner}
	if v, ok := a["inner_bidirectional"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, invalid("inner_bidirectional", "want a boolean, got %T", v)
		}
		c.InnerUnidirectional = !b
	}
	if c.InnerBackMultiplier, err = a.float("inner_back_multiplier"); err != nil {
		return nil, err
	}
	if c.InnerDelay, err = a.duration("inner_delay"); err != nil {
		return nil, err
	}
	if c.OuterDelay, err = a.duration("outer_delay"); err != nil {
		return nil, err
	}
	steps, err := a.float("outer_ministeps")
	if err != nil {
		return nil, err
	}
	c.OuterMinisteps = int(steps)
	return e.NewSweep2D(c)
}

// attrs reads loosely typed attribute maps decoded from JSON or YAML.
type attrs map[string]interface{}

func (a attrs) config() (Config, error) {
	var cfg Config
	var err error
	if cfg.Name, err = a.str("name"); err != nil {
		return cfg, err
	}
	if cfg.InterDelay, err = a.duration("inter_delay"); err != nil {
		return cfg, err
	}
	if cfg.Bidirectional, err = a.boolean("bidirectional"); err != nil {
		return cfg, err
	}
	if cfg.BackMultiplier, err = a.float("back_multiplier"); err != nil {
		return cfg, err
	}
	if cfg.Err, err = a.float("err"); err != nil {
		return cfg, err
	}
	if cfg.SaveData, err = a.boolean("save_data"); err != nil {
		return cfg, err
	}
	if cfg.Plot, err = a.boolean("plot_data"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (a attrs) float(key string) (float64, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, invalid(key, "want a number, got %T", v)
	}
	return f, nil
}

func (a attrs) duration(key string) (time.Duration, error) {
	f, err := a.float(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(math.Round(f * float64(time.Second))), nil
}

func (a attrs) str(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(key, "want a string, got %T", v)
	}
	return s, nil
}

func (a attrs) boolean(key string) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, invalid(key, "want a boolean, got %T", v)
	}
	return b, nil
}

func (a attrs) param(lookup ParamLookup, key string) (Parameter, error) {
	name, err := a.str(key)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, invalid(key, "missing parameter name")
	}
	p, ok := lookup.Lookup(name)
	if !ok {
		return nil, invalid(key, "unknown parameter %q", name)
	}
	return p, nil
}

func (a attrs) axis(lookup ParamLookup, pk, bk, ek, sk string) (Axis, error) {
	var ax Axis
	var err error
	if ax.Param, err = a.param(lookup, pk); err != nil {
		return ax, err
	}
	if ax.Begin, err = a.float(bk); err != nil {
		return ax, err
	}
	if ax.End, err = a.float(ek); err != nil {
		return ax, err
	}
	if ax.Step, err = a.float(sk); err != nil {
		return ax, err
	}
	return ax, nil
}

func (a attrs) simulAxes(lookup ParamLookup) ([]SimulAxis, error) {
	raw, ok := a["axes"].([]interface{})
	if !ok {
		return nil, invalid("axes", "want a list, got %T", a["axes"])
	}
	out := make([]SimulAxis, 0, len(raw))
	for i, r := range raw {
		m, ok := toMap(r)
		if !ok {
			return nil, invalid(fmt.Sprintf("axes[%d]", i), "want a mapping, got %T", r)
		}
		ax := attrs(m)
		p, err := ax.param(lookup, "param")
		if err != nil {
			return nil, err
		}
		sa := SimulAxis{Param: p}
		if sa.Start, err = ax.float("start"); err != nil {
			return nil, err
		}
		if sa.Stop, err = ax.float("stop"); err != nil {
			return nil, err
		}
		if sa.Step, err = ax.float("step"); err != nil {
			return nil, err
		}
		n, err := ax.float("n_steps")
		if err != nil {
			return nil, err
		}
		sa.NSteps = int(n)
		out = append(out, sa)
	}
	return out, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}
