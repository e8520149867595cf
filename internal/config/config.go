// Package config handles server configuration from an optional YAML file and
// environment variables. Environment variables win over file values, which
// win over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr"`

	// Database
	DatabasePath string `yaml:"database_path"`

	// Upstream notifier (optional; empty disables NATS and falls back to
	// log-only notifications)
	NATSURL string `yaml:"nats_url"`

	// Broker timing
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Default returns a config with default values.
func Default() *Config {
	return &Config{
		ListenAddr:        ":8080",
		DatabasePath:      "printfarm.db",
		AuthTimeout:       30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		AckTimeout:        30 * time.Second,
		LogLevel:          "info",
	}
}

// Load builds the configuration. If PRINTFARM_CONFIG points at a YAML file it
// is read first, then environment variables are applied on top.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("PRINTFARM_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("PRINTFARM_LISTEN", c.ListenAddr)
	c.DatabasePath = getEnv("PRINTFARM_DB_PATH", c.DatabasePath)
	c.NATSURL = getEnv("PRINTFARM_NATS_URL", c.NATSURL)
	c.AuthTimeout = parseDuration("PRINTFARM_AUTH_TIMEOUT", c.AuthTimeout)
	c.HeartbeatInterval = parseDuration("PRINTFARM_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.HeartbeatTimeout = parseDuration("PRINTFARM_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	c.AckTimeout = parseDuration("PRINTFARM_ACK_TIMEOUT", c.AckTimeout)
	c.LogLevel = getEnv("PRINTFARM_LOG_LEVEL", c.LogLevel)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.DatabasePath == "" {
		return errors.New("database path is required")
	}
	if c.AuthTimeout < time.Second {
		return errors.New("auth timeout must be at least 1 second")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return errors.New("heartbeat timeout must exceed heartbeat interval")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are treated as seconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return defaultValue
}
