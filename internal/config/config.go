// Package config loads the server configuration from a yaml file with
// sensible defaults for self-hosted deployments.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig holds the storage engine selection and pool sizing. The
// engine is chosen from the URI scheme at startup.
type DatabaseConfig struct {
	URI             string        `yaml:"uri"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// MetricsConfig holds the Prometheus listener configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config represents the complete configuration for the sync storage server.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns the configuration used when no file is present: an
// embedded sqlite database and no metrics listener.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			URI:             "sqlite://shellvault.db",
			MaxConnections:  100,
			MaxIdle:         10,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9091,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration file at path on top of the defaults. A
// missing file is not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.URI) == "" {
		return fmt.Errorf("database.uri must not be empty")
	}
	if c.Database.MaxConnections < 0 {
		return fmt.Errorf("database.max_connections must not be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}

// Example renders the default configuration as yaml, for `default-config`.
func Example() string {
	data, err := yaml.Marshal(Default())
	if err != nil {
		// Default() is a static value; marshaling it cannot fail at runtime.
		panic(err)
	}
	return string(data)
}
