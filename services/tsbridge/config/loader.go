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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/tsbridge/services/tsbridge/broker"
	"github.com/AleutianAI/tsbridge/services/tsbridge/telemetry"
	"github.com/AleutianAI/tsbridge/services/tsbridge/tsserver"
)

// Environment variables that override file values.
const (
	EnvTSServer    = "TSBRIDGE_TSSERVER"
	EnvProjectRoot = "TSBRIDGE_PROJECT_ROOT"
	EnvLogLevel    = "TSBRIDGE_LOG_LEVEL"
	EnvLogFile     = "TSBRIDGE_LOG_FILE"
	EnvAdminAddr   = "TSBRIDGE_ADMIN_ADDR"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
			_, err := regexp.Compile(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user config directory: %w", err)
	}
	return filepath.Join(dir, "tsbridge", "config.yaml"), nil
}

// Load builds the effective configuration.
//
// Description:
//
//	Starts from Default, overlays the YAML file at path, then environment
//	overrides, then validates. An empty path means DefaultPath, and a
//	missing default file is not an error. A missing explicit path is.
//
// Inputs:
//
//	path - Config file location, or "" for the default
//
// Outputs:
//
//	Config - The validated configuration
//	error - Non-nil if reading, parsing or validation failed
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err == nil {
			path = p
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays TSBRIDGE_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvTSServer); ok && v != "" {
		c.TSServer.Command = v
	}
	if v, ok := lookup(EnvProjectRoot); ok && v != "" {
		c.TSServer.ProjectRoot = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvLogFile); ok {
		c.Log.File = v
	}
	if v, ok := lookup(EnvAdminAddr); ok && v != "" {
		c.Admin.Addr = v
		c.Admin.Enabled = true
	}
}

// Normalize makes the project root absolute.
func (c *Config) Normalize() error {
	if c.TSServer.ProjectRoot == "" {
		return nil
	}
	abs, err := filepath.Abs(c.TSServer.ProjectRoot)
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}
	c.TSServer.ProjectRoot = abs
	return nil
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return &ValidationError{Fields: verrs}
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ClientConfig converts the tsserver-related sections for tsserver.NewClient.
func (c Config) ClientConfig() (tsserver.Config, error) {
	sig, err := regexp.Compile(c.Retry.Signature)
	if err != nil {
		return tsserver.Config{}, fmt.Errorf("%w: retry.signature: %v", ErrInvalidConfig, err)
	}

	var perCommand map[string]time.Duration
	if len(c.Timeouts.PerCommand) > 0 {
		perCommand = make(map[string]time.Duration, len(c.Timeouts.PerCommand))
		for cmd, d := range c.Timeouts.PerCommand {
			perCommand[cmd] = d.Std()
		}
	}

	return tsserver.Config{
		Command:     c.TSServer.Command,
		Args:        append([]string(nil), c.TSServer.Args...),
		ProjectRoot: c.TSServer.ProjectRoot,
		Env:         append([]string(nil), c.TSServer.Env...),
		Timeouts: tsserver.Timeouts{
			Request:    c.Timeouts.Request.Std(),
			Open:       c.Timeouts.Open.Std(),
			PerCommand: perCommand,
		},
		Retry: tsserver.RetryPolicy{
			MaxRetries: c.Retry.MaxRetries,
			BaseDelay:  c.Retry.BaseDelay.Std(),
			MaxDelay:   c.Retry.MaxDelay.Std(),
			Signature:  sig,
		},
		GracePeriod: c.TSServer.GracePeriod.Std(),
		FastTest:    c.TSServer.FastTest,
		HostInfo:    c.TSServer.HostInfo,
		Preferences: c.TSServer.Preferences,
	}, nil
}

// BrokerOptions converts the broker section for broker.New.
func (c Config) BrokerOptions(logger *slog.Logger) broker.Options {
	return broker.Options{
		MaxRestarts:    c.Broker.MaxRestarts,
		RestartWindow:  c.Broker.RestartWindow.Std(),
		StartupTimeout: c.Broker.StartupTimeout.Std(),
		IdleTimeout:    c.Broker.IdleTimeout.Std(),
		Logger:         logger,
	}
}

// LogOptions converts the log section for telemetry.NewLogger.
func (c Config) LogOptions() telemetry.LogOptions {
	return telemetry.LogOptions{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}

// TelemetryOptions converts the telemetry section for telemetry.Init.
func (c Config) TelemetryOptions(version string) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = c.Telemetry.ServiceName
	tc.ServiceVersion = version
	tc.TraceExporter = c.Telemetry.TraceExporter
	tc.MetricExporter = c.Telemetry.MetricExporter
	if c.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	tc.SampleRate = c.Telemetry.SampleRate
	return tc
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes the default configuration to path, creating parent
// directories. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := Default().Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
