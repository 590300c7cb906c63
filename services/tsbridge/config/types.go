// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full tsbridge configuration.
type Config struct {
	// TSServer: how to launch the language server
	TSServer TSServerConfig `yaml:"tsserver"`

	// Timeouts: response budgets per command
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Retry: re-issue of transient assertion failures
	Retry RetryConfig `yaml:"retry"`

	// Broker: restart budget after crashes
	Broker BrokerConfig `yaml:"broker"`

	// Log: where and how much to log. Never stdout.
	Log LogConfig `yaml:"log"`

	// Telemetry: OpenTelemetry exporters
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Admin: optional HTTP surface
	Admin AdminConfig `yaml:"admin"`

	// Watch: reload projects when config files change
	Watch WatchConfig `yaml:"watch"`
}

// TSServerConfig says how to launch tsserver and where.
type TSServerConfig struct {
	Command     string         `yaml:"command" validate:"required"`
	Args        []string       `yaml:"args"`
	ProjectRoot string         `yaml:"project_root" validate:"required"`
	Env         []string       `yaml:"env,omitempty"`
	HostInfo    string         `yaml:"host_info"`
	Preferences map[string]any `yaml:"preferences,omitempty"`
	FastTest    bool           `yaml:"fast_test"`
	GracePeriod Duration       `yaml:"grace_period" validate:"gt=0"`
}

// TimeoutsConfig holds response budgets. PerCommand overrides Request and Open by command name.
type TimeoutsConfig struct {
	Request    Duration            `yaml:"request" validate:"gt=0"`
	Open       Duration            `yaml:"open" validate:"gt=0"`
	PerCommand map[string]Duration `yaml:"per_command,omitempty" validate:"dive,keys,required,endkeys,gt=0"`
}

// RetryConfig controls re-issuing requests that fail with a transient assertion.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay  Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay   Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`

	// Signature is a regular expression matched against failure messages.
	Signature string `yaml:"signature" validate:"required,regexp"`
}

// BrokerConfig controls respawning and idle shutdown of tsserver.
type BrokerConfig struct {
	// MaxRestarts is how many crash restarts are allowed per RestartWindow.
	MaxRestarts    int      `yaml:"max_restarts" validate:"gte=1"`
	RestartWindow  Duration `yaml:"restart_window" validate:"gt=0"`
	StartupTimeout Duration `yaml:"startup_timeout" validate:"gt=0"`

	// IdleTimeout stops tsserver after this long unused. Zero keeps it up.
	IdleTimeout Duration `yaml:"idle_timeout" validate:"gte=0"`
}

// LogConfig selects log level, format and an optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=auto text json"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=1"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
}

// TelemetryConfig selects the OpenTelemetry trace and metric exporters.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" validate:"required"`
	TraceExporter  string  `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string  `yaml:"metric_exporter" validate:"oneof=none prometheus stdout"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`
	SampleRate     float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// AdminConfig enables the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// WatchConfig controls reloading projects when their config files change.
type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Debounce Duration `yaml:"debounce" validate:"gt=0"`
	Patterns []string `yaml:"patterns" validate:"dive,required"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}
	return Config{
		TSServer: TSServerConfig{
			Command:     "tsserver",
			Args:        []string{"--disableAutomaticTypingAcquisition"},
			ProjectRoot: root,
			HostInfo:    "tsbridge",
			GracePeriod: Duration(2 * time.Second),
		},
		Timeouts: TimeoutsConfig{
			Request: Duration(30 * time.Second),
			Open:    Duration(60 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  Duration(100 * time.Millisecond),
			MaxDelay:   Duration(2 * time.Second),
			Signature:  `Debug Failure`,
		},
		Broker: BrokerConfig{
			MaxRestarts:    5,
			RestartWindow:  Duration(time.Minute),
			StartupTimeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "tsbridge",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRate:     1.0,
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:7878",
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: Duration(500 * time.Millisecond),
			Patterns: []string{"tsconfig*.json", "jsconfig.json", "package.json"},
		},
	}
}

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as a string ("30s") in YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the Go duration syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML accepts a duration string or a plain integer of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
