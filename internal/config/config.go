// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	Port     string `env:"EVAGENT_PORT" envDefault:"8080"`
	Upstream string `env:"EVAGENT_UPSTREAM"`
	Env      string `env:"EVAGENT_ENV" envDefault:"development"`
	Manifest string `env:"EVAGENT_MANIFEST" envDefault:"manifest.toml"`
	Scope    string `env:"EVAGENT_SCOPE" envDefault:"/"`

	Storage     string `env:"EVAGENT_STORAGE" envDefault:"memory"`
	CacheDir    string `env:"EVAGENT_CACHE_DIR"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	AdminToken     string        `env:"EVAGENT_ADMIN_TOKEN"`
	NetworkTimeout time.Duration `env:"EVAGENT_NETWORK_TIMEOUT" envDefault:"15s"`
	LogLevel       string        `env:"EVAGENT_LOG_LEVEL" envDefault:"info"`

	// Update checks and page coordination
	UpdateInterval time.Duration `env:"EVAGENT_UPDATE_INTERVAL" envDefault:"5m"`
	ReloadFallback time.Duration `env:"EVAGENT_RELOAD_FALLBACK" envDefault:"1500ms"`
	PollInterval   time.Duration `env:"EVAGENT_POLL_INTERVAL" envDefault:"2s"`
	AgentURL       string        `env:"EVAGENT_URL" envDefault:"http://localhost:8080"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	return cfg, nil
}

// Production reports whether update activation is enabled
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Level returns the configured log level, falling back to info
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// HasRedis returns true if a Redis address is configured
func (c *Config) HasRedis() bool {
	return c.RedisAddr != ""
}

// Validate checks the settings the API server needs
func (c *Config) Validate() error {
	if c.Upstream == "" {
		return fmt.Errorf("EVAGENT_UPSTREAM is required")
	}
	u, err := url.Parse(c.Upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("EVAGENT_UPSTREAM must be an absolute URL, got %q", c.Upstream)
	}

	switch c.Storage {
	case StorageMemory, StorageFile:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("EVAGENT_STORAGE=postgres requires DATABASE_URL")
		}
	case StorageRedis:
		if !c.HasRedis() {
			return fmt.Errorf("EVAGENT_STORAGE=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown EVAGENT_STORAGE %q", c.Storage)
	}

	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("EVAGENT_NETWORK_TIMEOUT must be positive")
	}
	return nil
}

// UpstreamURL returns the parsed upstream origin
func (c *Config) UpstreamURL() (*url.URL, error) {
	return url.Parse(c.Upstream)
}
