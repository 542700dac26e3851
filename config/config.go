// Package config loads the flowuni client configuration from YAML, with
// first-match discovery across the working directory and the user's
// home config directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "flowuni.yaml"
	homeConfigDir     = ".flowuni"
	homeConfigName    = "config.yaml"

	// TokenEnvVar overrides the configured token when set.
	TokenEnvVar = "FLOWUNI_TOKEN"
)

// Config is the client configuration.
type Config struct {
	// ServerURL is the backend base URL.
	ServerURL string `yaml:"server_url"`

	// Token is the bearer credential. FLOWUNI_TOKEN overrides it.
	Token string `yaml:"token,omitempty"`

	// FlowID selects the flow whose suites are managed and watched.
	FlowID string `yaml:"flow_id"`

	// UserID scopes the user stream subscription.
	UserID string `yaml:"user_id"`

	// Database is the path of the local SQLite journal. Empty keeps the
	// cursor and history in memory only.
	Database string `yaml:"database,omitempty"`

	// Stream tunes the live subscription.
	Stream StreamConfig `yaml:"stream,omitempty"`

	// RefreshCron optionally schedules full list re-fetches (UTC,
	// standard five-field cron).
	RefreshCron string `yaml:"refresh_cron,omitempty"`

	// Otel configures optional OTLP export on the watch daemon.
	Otel OtelConfig `yaml:"otel,omitempty"`
}

// StreamConfig tunes the stream consumer.
type StreamConfig struct {
	// CoalesceInterval is the batch flush cadence (default 16ms).
	CoalesceInterval time.Duration `yaml:"coalesce_interval,omitempty"`

	// RetryDelay is the transport reconnect pause (default 3s).
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`
}

// OtelConfig configures OTLP export.
type OtelConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// Discover resolves the config location with first-match semantics:
// explicitPath if given, then ./flowuni.yaml, then
// ~/.flowuni/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", false, fmt.Errorf("config: %s: %w", explicitPath, err)
		}
		return explicitPath, true, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("config: resolve working directory: %w", err)
	}
	candidate := filepath.Join(cwd, projectConfigName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, true, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("config: resolve user home: %w", err)
	}
	candidate = filepath.Join(homeDir, homeConfigDir, homeConfigName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, true, nil
	}

	return "", false, nil
}

// Load reads and validates a config file. The FLOWUNI_TOKEN environment
// variable overrides the configured token.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if tok := os.Getenv(TokenEnvVar); tok != "" {
		cfg.Token = tok
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("config: server_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("config: token is required (or set %s)", TokenEnvVar)
	}
	if c.FlowID == "" {
		return errors.New("config: flow_id is required")
	}
	if c.UserID == "" {
		return errors.New("config: user_id is required")
	}
	if c.Stream.CoalesceInterval < 0 {
		return errors.New("config: stream.coalesce_interval must not be negative")
	}
	if c.Stream.RetryDelay < 0 {
		return errors.New("config: stream.retry_delay must not be negative")
	}
	return nil
}
