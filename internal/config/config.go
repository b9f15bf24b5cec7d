package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models handoff.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Lease struct {
		DefaultSeconds  int `yaml:"default_seconds"`
		SweepIntervalMS int `yaml:"sweep_interval_ms"`
	} `yaml:"lease"`
	Watch struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"watch"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	cfg.Lease.DefaultSeconds = 60
	cfg.Lease.SweepIntervalMS = 1000
	cfg.Watch.Buffer = 256
	return &cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "handoff.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// take their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Lease.DefaultSeconds <= 0 {
		return fmt.Errorf("config.lease.default_seconds must be positive")
	}
	if c.Lease.SweepIntervalMS <= 0 {
		return fmt.Errorf("config.lease.sweep_interval_ms must be positive")
	}
	if c.Watch.Buffer <= 0 {
		return fmt.Errorf("config.watch.buffer must be positive")
	}
	return nil
}

// DefaultLease returns the lease duration applied when a claim does not
// specify one.
func (c *Config) DefaultLease() time.Duration {
	return time.Duration(c.Lease.DefaultSeconds) * time.Second
}

// SweepInterval returns how often the lease sweeper wakes.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Lease.SweepIntervalMS) * time.Millisecond
}
