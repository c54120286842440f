package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/sweeper/internal/instrument"
	"github.com/banshee-data/sweeper/internal/sweep"
	"github.com/banshee-data/sweeper/internal/timeutil"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyEngineConfig()

	if cfg.GetMinInterDelay() != sweep.DefaultMinInterDelay {
		t.Errorf("GetMinInterDelay() = %v", cfg.GetMinInterDelay())
	}
	if cfg.GetDefaultInterDelay() != sweep.DefaultInterDelay {
		t.Errorf("GetDefaultInterDelay() = %v", cfg.GetDefaultInterDelay())
	}
	if cfg.GetParamRetries() != sweep.DefaultParamRetries {
		t.Errorf("GetParamRetries() = %d", cfg.GetParamRetries())
	}
	if cfg.GetKillTimeout() != sweep.DefaultKillTimeout {
		t.Errorf("GetKillTimeout() = %v", cfg.GetKillTimeout())
	}
	if cfg.GetDefaultErr() != sweep.DefaultErr {
		t.Errorf("GetDefaultErr() = %f", cfg.GetDefaultErr())
	}
	if cfg.GetDatabase() != "sweeper.db" {
		t.Errorf("GetDatabase() = %q", cfg.GetDatabase())
	}
	if cfg.GetLivePlotCapacity() != 4096 {
		t.Errorf("GetLivePlotCapacity() = %d", cfg.GetLivePlotCapacity())
	}
	if q := cfg.QueueConfig(); q.InterDelay != 0 || q.PostDBDelay != 0 {
		t.Errorf("QueueConfig() = %+v", q)
	}
}

func TestLoadEngineConfig(t *testing.T) {
	path := writeConfig(t, "test_config.json", `{
  "min_inter_delay": "5ms",
  "default_inter_delay": "20ms",
  "param_retries": 5,
  "param_retry_backoff": "10ms",
  "kill_timeout": "3s",
  "default_err": 0.05,
  "plot_batch_size": 4,
  "queue_inter_delay": "1s",
  "queue_post_db_delay": "250ms",
  "database": "cooldown.db",
  "experiment": "graphene",
  "sample": "d7",
  "instruments": [
    {"name": "dac", "kind": "virtual", "params": [{"name": "vg", "unit": "V"}]}
  ]
}`)

	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	opts := cfg.EngineOptions(timeutil.RealClock{})
	want := sweep.Options{
		MinInterDelay:     5 * time.Millisecond,
		DefaultInterDelay: 20 * time.Millisecond,
		ParamRetries:      5,
		ParamRetryBackoff: 10 * time.Millisecond,
		KillTimeout:       3 * time.Second,
		DefaultErr:        0.05,
		PlotBatchSize:     4,
		Clock:             timeutil.RealClock{},
	}
	if opts != want {
		t.Errorf("EngineOptions() = %+v, want %+v", opts, want)
	}
	q := cfg.QueueConfig()
	if q.InterDelay != time.Second || q.PostDBDelay != 250*time.Millisecond {
		t.Errorf("QueueConfig() = %+v", q)
	}
	if cfg.GetDatabase() != "cooldown.db" || cfg.GetExperiment() != "graphene" || cfg.GetSample() != "d7" {
		t.Errorf("persistence = %s %s %s", cfg.GetDatabase(), cfg.GetExperiment(), cfg.GetSample())
	}
	if len(cfg.Instruments) != 1 || cfg.Instruments[0].Kind != instrument.KindVirtual {
		t.Errorf("Instruments = %+v", cfg.Instruments)
	}
}

func TestLoadEngineConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "config.yaml", `{}`, ".json extension"},
		{"invalid json", "bad.json", `{"param_retries": "x"`, "parse config JSON"},
		{"bad duration", "dur.json", `{"kill_timeout": "soon"}`, "invalid kill_timeout"},
		{"negative duration", "neg.json", `{"queue_inter_delay": "-1s"}`, "non-negative"},
		{"default below floor", "floor.json", `{"min_inter_delay": "50ms", "default_inter_delay": "10ms"}`, "below min_inter_delay"},
		{"zero retries", "retries.json", `{"param_retries": 0}`, "param_retries"},
		{"err out of range", "err.json", `{"default_err": 1.5}`, "default_err"},
		{"bad instrument", "inst.json", `{"instruments": [{"name": "x", "kind": "gpib", "params": [{"name": "p"}]}]}`, "unknown kind"},
		{"duplicate instrument", "dup.json", `{"instruments": [
			{"name": "x", "kind": "virtual", "params": [{"name": "p"}]},
			{"name": "x", "kind": "virtual", "params": [{"name": "q"}]}]}`, "defined twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadEngineConfig(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadEngineConfigMissing(t *testing.T) {
	if _, err := LoadEngineConfig("/nonexistent/path/to/config.json"); err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadEngineConfigTooLarge(t *testing.T) {
	big := `{"database": "` + strings.Repeat("x", 1024*1024) + `"}`
	if _, err := LoadEngineConfig(writeConfig(t, "big.json", big)); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected a size error, got %v", err)
	}
}

func TestGetDurationFallback(t *testing.T) {
	tests := []struct {
		name string
		val  *string
		want time.Duration
	}{
		{"nil", nil, sweep.DefaultKillTimeout},
		{"empty", ptrString(""), sweep.DefaultKillTimeout},
		{"unparseable", ptrString("later"), sweep.DefaultKillTimeout},
		{"set", ptrString("250ms"), 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &EngineConfig{KillTimeout: tt.val}
			if got := cfg.GetKillTimeout(); got != tt.want {
				t.Errorf("GetKillTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidatePointers(t *testing.T) {
	cfg := &EngineConfig{DefaultErr: ptrFloat64(0.02), PlotBatchSize: ptrInt(0)}
	if err := cfg.Validate(); err == nil {
		t.Error("plot_batch_size 0 accepted")
	}
	cfg.PlotBatchSize = ptrInt(8)
	cfg.LivePlotCapacity = ptrInt(-1)
	if err := cfg.Validate(); err == nil {
		t.Error("negative live_plot_capacity accepted")
	}
	cfg.LivePlotCapacity = nil
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.GetDefaultInterDelay() != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", cfg.GetDefaultInterDelay())
	}
	if cfg.GetParamRetries() != 3 {
		t.Errorf("Expected 3, got %d", cfg.GetParamRetries())
	}
}

func TestLoadExampleConfigFile(t *testing.T) {
	cfg, err := LoadEngineConfig("../../config/sweeper.example.json")
	if err != nil {
		t.Fatalf("Failed to load example: %v", err)
	}
	if len(cfg.Instruments) != 3 {
		t.Fatalf("Expected 3 instruments, got %d", len(cfg.Instruments))
	}
	if cfg.GetQueueInterDelay() != 2*time.Second {
		t.Errorf("Expected 2s, got %v", cfg.GetQueueInterDelay())
	}
}
