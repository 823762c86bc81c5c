// Package config provides YAML configuration loading and validation for the
// dirwatch daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/dirwatch/internal/filter"
	"github.com/tripwire/dirwatch/internal/watcher"
)

// Config is the top-level configuration structure for dirwatch.
type Config struct {
	// Path is the directory to watch. Required.
	Path string `yaml:"path"`

	// Recursive includes all subdirectories of Path.
	Recursive bool `yaml:"recursive"`

	// Filter lists the change categories to observe: file_name, dir_name,
	// attributes, size, last_write, last_access, creation, security, or
	// all. Defaults to all when omitted.
	Filter []string `yaml:"filter"`

	// BufferSize is the per-batch notification buffer in bytes. Defaults to
	// 65535 when omitted.
	BufferSize int `yaml:"buffer_size"`

	// Include restricts reported names to those matching at least one of
	// these glob patterns. Empty means all names.
	Include []string `yaml:"include"`

	// Ignore drops names matching any of these glob patterns.
	Ignore []string `yaml:"ignore"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// StatusAddr is the listen address of the status HTTP server. Defaults
	// to "127.0.0.1:9100"; set to "off" to disable the server.
	StatusAddr string `yaml:"status_addr"`

	// JournalPath is the SQLite file events are recorded in. Empty disables
	// the journal.
	JournalPath string `yaml:"journal_path"`

	// ExitOnOpenError terminates the process when the directory cannot be
	// watched. Defaults to true; when false the failure is logged and the
	// status server keeps running.
	ExitOnOpenError *bool `yaml:"exit_on_open_error"`
}

// StatusDisabled is the StatusAddr value that turns the status server off.
const StatusDisabled = "off"

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. The returned error lists every
// validation failure.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse is LoadConfig for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// Defaults returns a configuration with every optional field defaulted and
// Path unset, for callers that configure entirely from flags.
func Defaults() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = "127.0.0.1:9100"
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = watcher.DefaultBufferSize
	}
	if cfg.ExitOnOpenError == nil {
		exit := true
		cfg.ExitOnOpenError = &exit
	}
}

// Validate checks that required fields are set and enumerated fields hold
// known values. It is exported so command-line overrides can be rechecked.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Path == "" {
		errs = append(errs, errors.New("path is required"))
	}
	if cfg.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("buffer_size %d must not be negative", cfg.BufferSize))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if _, err := watcher.ParseFilter(cfg.Filter); err != nil {
		errs = append(errs, fmt.Errorf("filter: %w", err))
	}
	if _, err := filter.New(cfg.Include, cfg.Ignore); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// WatchFilter returns the parsed filter categories. Valid only after
// Validate succeeded.
func (cfg *Config) WatchFilter() watcher.Filter {
	f, _ := watcher.ParseFilter(cfg.Filter)
	return f
}

// StatusEnabled reports whether the status server should run.
func (cfg *Config) StatusEnabled() bool {
	return cfg.StatusAddr != StatusDisabled
}
