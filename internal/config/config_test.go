package config

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var envKeys = []string{
	"EVAGENT_PORT",
	"EVAGENT_UPSTREAM",
	"EVAGENT_ENV",
	"EVAGENT_MANIFEST",
	"EVAGENT_STORAGE",
	"EVAGENT_CACHE_DIR",
	"DATABASE_URL",
	"REDIS_ADDR",
	"EVAGENT_ADMIN_TOKEN",
	"EVAGENT_NETWORK_TIMEOUT",
	"EVAGENT_LOG_LEVEL",
	"EVAGENT_UPDATE_INTERVAL",
	"EVAGENT_RELOAD_FALLBACK",
	"EVAGENT_POLL_INTERVAL",
	"EVAGENT_SCOPE",
	"EVAGENT_URL",
}

// clearEnv unsets every config variable and restores them after the test
func clearEnv(t *testing.T) {
	t.Helper()
	original := map[string]string{}
	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok {
			original[key] = v
		}
		_ = os.Unsetenv(key)
	}
	t.Cleanup(func() {
		for _, key := range envKeys {
			if v, ok := original[key]; ok {
				_ = os.Setenv(key, v)
			} else {
				_ = os.Unsetenv(key)
			}
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected Port '8080', got '%s'", cfg.Port)
	}
	if cfg.Storage != StorageMemory {
		t.Errorf("Expected Storage 'memory', got '%s'", cfg.Storage)
	}
	if cfg.Production() {
		t.Error("Should not be production by default")
	}
	if cfg.ReloadFallback != 1500*time.Millisecond {
		t.Errorf("Expected ReloadFallback 1.5s, got %s", cfg.ReloadFallback)
	}
	if cfg.UpdateInterval != 5*time.Minute {
		t.Errorf("Expected UpdateInterval 5m, got %s", cfg.UpdateInterval)
	}
	if cfg.Level() != zerolog.InfoLevel {
		t.Errorf("Expected info level, got %s", cfg.Level())
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	_ = os.Setenv("EVAGENT_UPSTREAM", "https://charge.example.com")
	_ = os.Setenv("EVAGENT_ENV", "production")
	_ = os.Setenv("EVAGENT_STORAGE", " Redis ")
	_ = os.Setenv("REDIS_ADDR", "localhost:6379")
	_ = os.Setenv("EVAGENT_NETWORK_TIMEOUT", "3s")
	_ = os.Setenv("EVAGENT_LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if !cfg.Production() {
		t.Error("Should be production")
	}
	if cfg.Storage != StorageRedis {
		t.Errorf("Expected Storage 'redis', got '%s'", cfg.Storage)
	}
	if cfg.NetworkTimeout != 3*time.Second {
		t.Errorf("Expected NetworkTimeout 3s, got %s", cfg.NetworkTimeout)
	}
	if cfg.Level() != zerolog.DebugLevel {
		t.Errorf("Expected debug level, got %s", cfg.Level())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Should validate: %v", err)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	clearEnv(t)

	_ = os.Setenv("EVAGENT_NETWORK_TIMEOUT", "soon")

	_, err := Load()
	if err == nil {
		t.Error("Expected error for invalid EVAGENT_NETWORK_TIMEOUT")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Upstream:       "http://localhost:3000",
			Storage:        StorageMemory,
			NetworkTimeout: time.Second,
		}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("Should not error with memory storage: %v", err)
	}

	cases := map[string]func(*Config){
		"missing upstream":  func(c *Config) { c.Upstream = "" },
		"relative upstream": func(c *Config) { c.Upstream = "/app" },
		"unknown storage":   func(c *Config) { c.Storage = "s3" },
		"postgres no dsn":   func(c *Config) { c.Storage = StoragePostgres },
		"redis no addr":     func(c *Config) { c.Storage = StorageRedis },
		"zero timeout":      func(c *Config) { c.NetworkTimeout = 0 },
	}
	for name, mutate := range cases {
		cfg := valid()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}

	cfg := valid()
	cfg.Storage = StoragePostgres
	cfg.DatabaseURL = "postgres://localhost/evagent"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Should not error with postgres configured: %v", err)
	}
}
