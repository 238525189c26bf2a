// Package config provides configuration management for the bash runtime
// server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP listen address and auth configuration.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// SessionConfig holds the bash session defaults of spec.md §4.5.
type SessionConfig struct {
	StartupTimeout       string `yaml:"startup_timeout"`
	DefaultActionTimeout string `yaml:"default_action_timeout"`
	DefaultCheck         string `yaml:"default_check"`
	DefaultSessionName   string `yaml:"default_session_name"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Session: SessionConfig{
			StartupTimeout:       "1s",
			DefaultActionTimeout: "0s",
			DefaultCheck:         "raise",
			DefaultSessionName:   "default",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// GetStartupTimeout returns the session startup timeout as a time.Duration.
func (c *SessionConfig) GetStartupTimeout() time.Duration {
	d, err := time.ParseDuration(c.StartupTimeout)
	if err != nil {
		return time.Second
	}
	return d
}

// GetDefaultActionTimeout returns the default action timeout. Zero means no
// timeout, matching spec.md §4.5's "no timeout by default" for BashAction.
func (c *SessionConfig) GetDefaultActionTimeout() time.Duration {
	d, err := time.ParseDuration(c.DefaultActionTimeout)
	if err != nil {
		return 0
	}
	return d
}

// Addr returns the host:port pair cobra flags and the HTTP server bind to.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
