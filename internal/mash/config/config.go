// Package config loads server configuration from an optional YAML file,
// with environment variables taking precedence over both the file and the
// built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mashworld/mash/common/environment"
)

// Config holds the mash server settings.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`
	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// AuthRatePerMinute caps unauthenticated /auth requests per client IP.
	AuthRatePerMinute int `yaml:"auth_rate_per_minute"`
	// AuthBurst is the per-IP burst allowance on /auth.
	AuthBurst int `yaml:"auth_burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:        ":4242",
		DatabasePath:      "./mash.db",
		LogLevel:          "info",
		AuthRatePerMinute: 30,
		AuthBurst:         10,
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = environment.StringOr("MASH_LISTEN_ADDR", c.ListenAddr)
	c.DatabasePath = environment.StringOr("MASH_DATABASE_PATH", c.DatabasePath)
	c.LogLevel = environment.StringOr("MASH_LOG_LEVEL", c.LogLevel)
	if n := environment.IntOr("MASH_AUTH_RATE_PER_MINUTE", c.AuthRatePerMinute); n > 0 {
		c.AuthRatePerMinute = n
	}
	if n := environment.IntOr("MASH_AUTH_BURST", c.AuthBurst); n > 0 {
		c.AuthBurst = n
	}
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level as a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
