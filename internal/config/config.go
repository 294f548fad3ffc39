// Package config provides YAML configuration loading for the leakmon
// monitor: defaults and overrides for the timing constants and the
// session log directory layout.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for leakmon-monitor. A
// missing file is not an error — LoadConfig returns Defaults() in that case.
type Config struct {
	// LogDir is the root directory under which session directories
	// ("<pid> - YYYY-MM-DD.HH-MM/leak.dat") are created. Defaults to
	// "./Logs".
	LogDir string `yaml:"log_dir"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info".
	LogLevel string `yaml:"log_level"`

	// Timeouts overrides the default timing constants.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// HTTPAddr, if non-empty, starts the localhost status/metrics endpoint
	// (internal/statusapi) at this address, e.g. "127.0.0.1:9191".
	HTTPAddr string `yaml:"http_addr"`
}

// TimeoutConfig overrides the default timing constants. Any zero-valued
// duration falls back to the package default.
type TimeoutConfig struct {
	IPCOpenRetryInterval time.Duration `yaml:"ipc_open_retry_interval"`
	InterruptLoopTimeout time.Duration `yaml:"interrupt_loop_timeout"`
	ShutdownDrainTimeout time.Duration `yaml:"shutdown_drain_timeout"`
	StopConfirmTimeout   time.Duration `yaml:"stop_confirm_timeout"`
	MinFlushInterval     time.Duration `yaml:"min_flush_interval"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Defaults returns a Config populated entirely with built-in defaults.
func Defaults() *Config {
	return &Config{
		LogDir:   "./Logs",
		LogLevel: "info",
		Timeouts: TimeoutConfig{
			IPCOpenRetryInterval: 100 * time.Millisecond,
			InterruptLoopTimeout: 250 * time.Millisecond,
			ShutdownDrainTimeout: 1 * time.Second,
			StopConfirmTimeout:   10 * time.Second,
			MinFlushInterval:     5 * time.Second,
		},
	}
}

// LoadConfig reads the YAML file at path and merges it over Defaults(). If
// path does not exist, Defaults() is returned with no error. A malformed
// file or an invalid log_level value is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyTimeoutDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return cfg, nil
}

func applyTimeoutDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Timeouts.IPCOpenRetryInterval == 0 {
		cfg.Timeouts.IPCOpenRetryInterval = d.Timeouts.IPCOpenRetryInterval
	}
	if cfg.Timeouts.InterruptLoopTimeout == 0 {
		cfg.Timeouts.InterruptLoopTimeout = d.Timeouts.InterruptLoopTimeout
	}
	if cfg.Timeouts.ShutdownDrainTimeout == 0 {
		cfg.Timeouts.ShutdownDrainTimeout = d.Timeouts.ShutdownDrainTimeout
	}
	if cfg.Timeouts.StopConfirmTimeout == 0 {
		cfg.Timeouts.StopConfirmTimeout = d.Timeouts.StopConfirmTimeout
	}
	if cfg.Timeouts.MinFlushInterval == 0 {
		cfg.Timeouts.MinFlushInterval = d.Timeouts.MinFlushInterval
	}
	if cfg.LogDir == "" {
		cfg.LogDir = d.LogDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
}

func validate(cfg *Config) error {
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel)
	}
	for name, d := range map[string]time.Duration{
		"timeouts.ipc_open_retry_interval": cfg.Timeouts.IPCOpenRetryInterval,
		"timeouts.interrupt_loop_timeout":  cfg.Timeouts.InterruptLoopTimeout,
		"timeouts.shutdown_drain_timeout":  cfg.Timeouts.ShutdownDrainTimeout,
		"timeouts.stop_confirm_timeout":    cfg.Timeouts.StopConfirmTimeout,
		"timeouts.min_flush_interval":      cfg.Timeouts.MinFlushInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	return nil
}
