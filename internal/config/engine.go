package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/sweeper/internal/instrument"
	"github.com/banshee-data/sweeper/internal/sweep"
	"github.com/banshee-data/sweeper/internal/timeutil"
)

// DefaultConfigPath is the path to the canonical engine defaults file.
const DefaultConfigPath = "config/sweeper.defaults.json"

// EngineConfig is the daemon configuration: engine timing, queue waits,
// the database to start on and the instruments to open. Durations are
// strings like "100ms".
type EngineConfig struct {
	// Engine params
	MinInterDelay     *string  `json:"min_inter_delay,omitempty"`
	DefaultInterDelay *string  `json:"default_inter_delay,omitempty"`
	ParamRetries      *int     `json:"param_retries,omitempty"`
	ParamRetryBackoff *string  `json:"param_retry_backoff,omitempty"`
	KillTimeout       *string  `json:"kill_timeout,omitempty"`
	DefaultErr        *float64 `json:"default_err,omitempty"`
	PlotBatchSize     *int     `json:"plot_batch_size,omitempty"`

	// Queue params
	QueueInterDelay  *string `json:"queue_inter_delay,omitempty"`
	QueuePostDBDelay *string `json:"queue_post_db_delay,omitempty"`

	// Persistence
	Database   *string `json:"database,omitempty"`
	Experiment *string `json:"experiment,omitempty"`
	Sample     *string `json:"sample,omitempty"`

	// Live monitor
	LivePlotCapacity *int `json:"live_plot_capacity,omitempty"`

	Instruments []instrument.Config `json:"instruments,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyEngineConfig returns an EngineConfig with every field unset.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig loads an EngineConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Omitted fields
// fall back to the Get* defaults, so partial configs are safe.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *EngineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadEngineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *EngineConfig) Validate() error {
	durations := map[string]*string{
		"min_inter_delay":     c.MinInterDelay,
		"default_inter_delay": c.DefaultInterDelay,
		"param_retry_backoff": c.ParamRetryBackoff,
		"kill_timeout":        c.KillTimeout,
		"queue_inter_delay":   c.QueueInterDelay,
		"queue_post_db_delay": c.QueuePostDBDelay,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.MinInterDelay != nil && c.DefaultInterDelay != nil && c.GetDefaultInterDelay() < c.GetMinInterDelay() {
		return fmt.Errorf("default_inter_delay %s is below min_inter_delay %s", *c.DefaultInterDelay, *c.MinInterDelay)
	}
	if c.ParamRetries != nil && *c.ParamRetries < 1 {
		return fmt.Errorf("param_retries must be at least 1, got %d", *c.ParamRetries)
	}
	if c.DefaultErr != nil && (*c.DefaultErr <= 0 || *c.DefaultErr >= 1) {
		return fmt.Errorf("default_err must be between 0 and 1, got %f", *c.DefaultErr)
	}
	if c.PlotBatchSize != nil && *c.PlotBatchSize < 1 {
		return fmt.Errorf("plot_batch_size must be positive, got %d", *c.PlotBatchSize)
	}
	if c.LivePlotCapacity != nil && *c.LivePlotCapacity < 1 {
		return fmt.Errorf("live_plot_capacity must be positive, got %d", *c.LivePlotCapacity)
	}

	seen := make(map[string]bool)
	for _, inst := range c.Instruments {
		if err := inst.Validate(); err != nil {
			return err
		}
		if seen[inst.Name] {
			return fmt.Errorf("instrument %s defined twice", inst.Name)
		}
		seen[inst.Name] = true
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetMinInterDelay returns the floor for a sweep's inter_delay.
func (c *EngineConfig) GetMinInterDelay() time.Duration {
	return durationOr(c.MinInterDelay, sweep.DefaultMinInterDelay)
}

// GetDefaultInterDelay returns the inter_delay used when a sweep leaves it unset.
func (c *EngineConfig) GetDefaultInterDelay() time.Duration {
	return durationOr(c.DefaultInterDelay, sweep.DefaultInterDelay)
}

func (c *EngineConfig) GetParamRetries() int {
	if c.ParamRetries == nil {
		return sweep.DefaultParamRetries
	}
	return *c.ParamRetries
}

func (c *EngineConfig) GetParamRetryBackoff() time.Duration {
	return durationOr(c.ParamRetryBackoff, sweep.DefaultParamRetryBackoff)
}

func (c *EngineConfig) GetKillTimeout() time.Duration {
	return durationOr(c.KillTimeout, sweep.DefaultKillTimeout)
}

func (c *EngineConfig) GetDefaultErr() float64 {
	if c.DefaultErr == nil {
		return sweep.DefaultErr
	}
	return *c.DefaultErr
}

func (c *EngineConfig) GetPlotBatchSize() int {
	if c.PlotBatchSize == nil {
		return sweep.DefaultPlotBatchSize
	}
	return *c.PlotBatchSize
}

func (c *EngineConfig) GetQueueInterDelay() time.Duration {
	return durationOr(c.QueueInterDelay, 0)
}

func (c *EngineConfig) GetQueuePostDBDelay() time.Duration {
	return durationOr(c.QueuePostDBDelay, 0)
}

// GetDatabase returns the sqlite file the daemon starts on.
func (c *EngineConfig) GetDatabase() string {
	if c.Database == nil || *c.Database == "" {
		return "sweeper.db"
	}
	return *c.Database
}

func (c *EngineConfig) GetExperiment() string {
	if c.Experiment == nil {
		return ""
	}
	return *c.Experiment
}

func (c *EngineConfig) GetSample() string {
	if c.Sample == nil {
		return ""
	}
	return *c.Sample
}

// GetLivePlotCapacity returns the number of samples kept per sweep for
// live charts.
func (c *EngineConfig) GetLivePlotCapacity() int {
	if c.LivePlotCapacity == nil {
		return 4096
	}
	return *c.LivePlotCapacity
}

// EngineOptions converts the engine section to sweep.Options. The sink and
// any observers are wired by the caller.
func (c *EngineConfig) EngineOptions(clock timeutil.Clock) sweep.Options {
	return sweep.Options{
		MinInterDelay:     c.GetMinInterDelay(),
		DefaultInterDelay: c.GetDefaultInterDelay(),
		ParamRetries:      c.GetParamRetries(),
		ParamRetryBackoff: c.GetParamRetryBackoff(),
		KillTimeout:       c.GetKillTimeout(),
		DefaultErr:        c.GetDefaultErr(),
		PlotBatchSize:     c.GetPlotBatchSize(),
		Clock:             clock,
	}
}

// QueueConfig returns the waits between queue entries.
func (c *EngineConfig) QueueConfig() sweep.QueueConfig {
	return sweep.QueueConfig{
		InterDelay:  c.GetQueueInterDelay(),
		PostDBDelay: c.GetQueuePostDBDelay(),
	}
}
