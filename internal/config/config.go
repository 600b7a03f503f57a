package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/promediasign/usb-audio-bridge/internal/audio"
)

// Config represents the complete service configuration
type Config struct {
	Relay   RelayConfig   `yaml:"relay" json:"relay"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// RelayConfig contains the relay engine parameters
type RelayConfig struct {
	SampleRate   int    `yaml:"sample_rate" json:"sample_rate"`
	InputLayout  string `yaml:"input_layout" json:"input_layout"`   // mono or stereo
	OutputLayout string `yaml:"output_layout" json:"output_layout"` // mono or stereo
	BitDepth     int    `yaml:"bit_depth" json:"bit_depth"`         // 16 only
	Signed       bool   `yaml:"signed" json:"signed"`               // true only

	ErrorThreshold      int     `yaml:"error_threshold" json:"error_threshold"`             // consecutive transfer errors before in-place recovery
	FatalFaultThreshold int     `yaml:"fatal_fault_threshold" json:"fatal_fault_threshold"` // lifetime unclassified faults before the loop gives up
	RecoveryLimit       int     `yaml:"recovery_limit" json:"recovery_limit"`               // in-place recoveries before escalating to restart
	HangTimeout         float64 `yaml:"hang_timeout" json:"hang_timeout"`                   // seconds without a heartbeat before restart
	WatchdogInterval    float64 `yaml:"watchdog_interval" json:"watchdog_interval"`         // seconds between watchdog checks
	RefreshInterval     float64 `yaml:"refresh_interval" json:"refresh_interval"`           // seconds between preventive session refreshes, 0 = disabled
	SettleDelay         int     `yaml:"settle_delay" json:"settle_delay"`                   // milliseconds to wait between teardown and reopen
	ErrorBackoff        int     `yaml:"error_backoff" json:"error_backoff"`                 // milliseconds to sleep after a failed transfer
}

// HTTPConfig contains the monitoring API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns a configuration with the stock relay parameters. The
// zero-valued HTTP and Logging sections are filled with their defaults too.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			SampleRate:          48000,
			InputLayout:         "mono",
			OutputLayout:        "stereo",
			BitDepth:            16,
			Signed:              true,
			ErrorThreshold:      10,
			FatalFaultThreshold: 50,
			RecoveryLimit:       3,
			HangTimeout:         20,
			WatchdogInterval:    5,
			RefreshInterval:     0,
			SettleDelay:         1000,
			ErrorBackoff:        100,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates the relay engine configuration
func (r *RelayConfig) Validate() error {
	if r.SampleRate < 8000 || r.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", r.SampleRate)
	}

	in, err := audio.ParseLayout(r.InputLayout)
	if err != nil {
		return fmt.Errorf("input_layout: %w", err)
	}

	out, err := audio.ParseLayout(r.OutputLayout)
	if err != nil {
		return fmt.Errorf("output_layout: %w", err)
	}

	if _, err := audio.ConversionRatio(in, out); err != nil {
		return err
	}

	if r.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", r.BitDepth)
	}

	if !r.Signed {
		return fmt.Errorf("signed must be true (only signed 16-bit PCM is supported)")
	}

	if r.ErrorThreshold < 1 {
		return fmt.Errorf("error_threshold must be at least 1, got %d", r.ErrorThreshold)
	}

	if r.FatalFaultThreshold <= r.ErrorThreshold {
		return fmt.Errorf("fatal_fault_threshold (%d) must be greater than error_threshold (%d)",
			r.FatalFaultThreshold, r.ErrorThreshold)
	}

	if r.RecoveryLimit < 1 {
		return fmt.Errorf("recovery_limit must be at least 1, got %d", r.RecoveryLimit)
	}

	if r.HangTimeout <= 0 {
		return fmt.Errorf("hang_timeout must be positive, got %f", r.HangTimeout)
	}

	if r.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog_interval must be positive, got %f", r.WatchdogInterval)
	}

	if r.WatchdogInterval >= r.HangTimeout {
		return fmt.Errorf("watchdog_interval (%f) must be less than hang_timeout (%f)",
			r.WatchdogInterval, r.HangTimeout)
	}

	if r.RefreshInterval < 0 {
		return fmt.Errorf("refresh_interval cannot be negative, got %f", r.RefreshInterval)
	}

	if r.SettleDelay < 0 {
		return fmt.Errorf("settle_delay cannot be negative, got %d", r.SettleDelay)
	}

	if r.ErrorBackoff < 1 {
		return fmt.Errorf("error_backoff must be at least 1 ms, got %d", r.ErrorBackoff)
	}

	return nil
}

// Validate validates the HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates the logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of debug, info, warn, error, got %q", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got %q", l.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true}
	if !validOutputs[l.Output] {
		return fmt.Errorf("output must be 'stdout' or 'stderr', got %q", l.Output)
	}

	return nil
}

// InputLayoutValue returns the parsed input layout. Call after Validate.
func (r *RelayConfig) InputLayoutValue() audio.Layout {
	l, _ := audio.ParseLayout(r.InputLayout)
	return l
}

// OutputLayoutValue returns the parsed output layout. Call after Validate.
func (r *RelayConfig) OutputLayoutValue() audio.Layout {
	l, _ := audio.ParseLayout(r.OutputLayout)
	return l
}

// GetHangTimeout returns the hang timeout as a duration
func (r *RelayConfig) GetHangTimeout() time.Duration {
	return time.Duration(r.HangTimeout * float64(time.Second))
}

// GetWatchdogInterval returns the watchdog poll interval as a duration
func (r *RelayConfig) GetWatchdogInterval() time.Duration {
	return time.Duration(r.WatchdogInterval * float64(time.Second))
}

// GetRefreshInterval returns the preventive refresh interval as a duration
func (r *RelayConfig) GetRefreshInterval() time.Duration {
	return time.Duration(r.RefreshInterval * float64(time.Second))
}

// GetSettleDelay returns the restart settle delay as a duration
func (r *RelayConfig) GetSettleDelay() time.Duration {
	return time.Duration(r.SettleDelay) * time.Millisecond
}

// GetErrorBackoff returns the per-error backoff sleep as a duration
func (r *RelayConfig) GetErrorBackoff() time.Duration {
	return time.Duration(r.ErrorBackoff) * time.Millisecond
}
