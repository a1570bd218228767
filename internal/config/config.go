// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

// Config is the top-level Sandcastle configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Runner   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`
}

// ServerConfig controls how the daemon listens for connections.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen" yaml:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`

	// AuthToken, when set, requires a matching bearer token on every API
	// request. Empty disables auth (local use).
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

// RunnerConfig selects and parameterises the agent backend.
type RunnerConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Model     string `mapstructure:"model" yaml:"model"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	ClaudeBin string `mapstructure:"claude_bin" yaml:"claude_bin"`
	WorkDir   string `mapstructure:"work_dir" yaml:"work_dir"`
}

// StorageConfig selects the history backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// SessionsConfig tunes the coordinator.
type SessionsConfig struct {
	BufferCap        int           `mapstructure:"buffer_cap" yaml:"buffer_cap"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	IdleGrace        time.Duration `mapstructure:"idle_grace" yaml:"idle_grace"`
	InterruptTimeout time.Duration `mapstructure:"interrupt_timeout" yaml:"interrupt_timeout"`
	JanitorInterval  time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix SANDCASTLE_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.listen", "127.0.0.1:7475")
	v.SetDefault("runner.backend", "claude-cli")
	v.SetDefault("runner.claude_bin", "claude")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "")
	v.SetDefault("sessions.buffer_cap", 1024)
	v.SetDefault("sessions.subscriber_buffer", 256)
	v.SetDefault("sessions.idle_grace", "10m")
	v.SetDefault("sessions.interrupt_timeout", "5s")
	v.SetDefault("sessions.janitor_interval", "1m")

	// Environment
	v.SetEnvPrefix("SANDCASTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, scerr.Errorf(scerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, scerr.Errorf(scerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, scerr.Errorf(scerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns all
// validation errors found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateRunner()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateSessions()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: server.listen must not be empty"))
		return errs
	}

	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err,
		))
		return errs
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateRunner() []error {
	var errs []error

	switch c.Runner.Backend {
	case "claude-cli":
		if c.Runner.ClaudeBin == "" {
			errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
				"config: runner.claude_bin must not be empty for the claude-cli backend"))
		}
	case "anthropic":
		if c.Runner.APIKey == "" {
			errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
				"config: runner.api_key must be set for the anthropic backend"))
		}
	default:
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: runner.backend must be one of [claude-cli, anthropic], got %q",
			c.Runner.Backend,
		))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	validBackends := map[string]bool{"sqlite": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: storage.backend must be one of [sqlite, memory], got %q",
			c.Storage.Backend,
		))
	}

	return errs
}

func (c *Config) validateSessions() []error {
	var errs []error

	if c.Sessions.BufferCap <= 0 {
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: sessions.buffer_cap must be greater than 0, got %d",
			c.Sessions.BufferCap,
		))
	}
	if c.Sessions.SubscriberBuffer <= 0 {
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: sessions.subscriber_buffer must be greater than 0, got %d",
			c.Sessions.SubscriberBuffer,
		))
	}
	if c.Sessions.IdleGrace <= 0 {
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: sessions.idle_grace must be a positive duration, got %s",
			c.Sessions.IdleGrace,
		))
	}
	if c.Sessions.InterruptTimeout <= 0 {
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: sessions.interrupt_timeout must be a positive duration, got %s",
			c.Sessions.InterruptTimeout,
		))
	}
	if c.Sessions.JanitorInterval <= 0 {
		errs = append(errs, scerr.Errorf(scerr.CodeConfigValidateInvalidValue,
			"config: sessions.janitor_interval must be a positive duration, got %s",
			c.Sessions.JanitorInterval,
		))
	}

	return errs
}
