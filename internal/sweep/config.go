package sweep

import (
	"time"

	"github.com/banshee-data/sweeper/internal/timeutil"
)

// Engine defaults. Each can be overridden through Options.
const (
	DefaultMinInterDelay     = 10 * time.Millisecond
	DefaultInterDelay        = 100 * time.Millisecond
	DefaultParamRetries      = 3
	DefaultParamRetryBackoff = 50 * time.Millisecond
	DefaultKillTimeout       = time.Second
	DefaultErr               = 0.01
	DefaultPlotBatchSize     = 16

	// maxFlips is the number of direction changes a bidirectional sweep
	// makes: out, back, and the restore before done.
	maxFlips = 2
)

// Options tunes an Engine. Zero fields take the defaults above.
type Options struct {
	MinInterDelay     time.Duration
	DefaultInterDelay time.Duration
	ParamRetries      int
	ParamRetryBackoff time.Duration
	KillTimeout       time.Duration
	DefaultErr        float64
	PlotBatchSize     int
	Clock             timeutil.Clock
	Sink              Sink
}

func (o Options) withDefaults() Options {
	if o.MinInterDelay <= 0 {
		o.MinInterDelay = DefaultMinInterDelay
	}
	if o.DefaultInterDelay <= 0 {
		o.DefaultInterDelay = DefaultInterDelay
	}
	if o.DefaultInterDelay < o.MinInterDelay {
		o.DefaultInterDelay = o.MinInterDelay
	}
	if o.ParamRetries <= 0 {
		o.ParamRetries = DefaultParamRetries
	}
	if o.ParamRetryBackoff < 0 {
		o.ParamRetryBackoff = 0
	} else if o.ParamRetryBackoff == 0 {
		o.ParamRetryBackoff = DefaultParamRetryBackoff
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = DefaultKillTimeout
	}
	if o.DefaultErr <= 0 {
		o.DefaultErr = DefaultErr
	}
	if o.PlotBatchSize <= 0 {
		o.PlotBatchSize = DefaultPlotBatchSize
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Config holds the settings shared by every sweep variant.
type Config struct {
	// Name is a free-form label stored with the dataset.
	Name string `json:"name,omitempty"`

	// InterDelay is the wait between iterations. Zero selects the engine
	// default; anything else below the engine floor is rejected.
	InterDelay time.Duration `json:"inter_delay"`

	Bidirectional bool `json:"bidirectional"`

	// BackMultiplier scales the step on the return leg. Zero means 1.
	BackMultiplier float64 `json:"back_multiplier"`

	// Err is the stop-condition and ramp tolerance as a fraction of the step.
	// Zero selects the engine default.
	Err float64 `json:"err"`

	SaveData bool `json:"save_data"`
	Plot     bool `json:"plot"`
}

func (e *Engine) resolveConfig(cfg Config) (Config, error) {
	switch {
	case cfg.InterDelay == 0:
		cfg.InterDelay = e.opts.DefaultInterDelay
	case cfg.InterDelay < e.opts.MinInterDelay:
		return cfg, invalid("inter_delay", "%v is below the minimum %v", cfg.InterDelay, e.opts.MinInterDelay)
	}
	switch {
	case cfg.BackMultiplier == 0:
		cfg.BackMultiplier = 1
	case cfg.BackMultiplier < 0:
		return cfg, invalid("back_multiplier", "must be positive, got %g", cfg.BackMultiplier)
	}
	switch {
	case cfg.Err == 0:
		cfg.Err = e.opts.DefaultErr
	case cfg.Err < 0:
		return cfg, invalid("err", "must not be negative, got %g", cfg.Err)
	}
	return cfg, nil
}
