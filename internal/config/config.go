// Package config loads ledger client configuration from YAML, an optional
// .env file, and LEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Session storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// DefaultPath is the config file read when no path is given.
var DefaultPath = filepath.Join("config", "ledgerctl.yaml")

// Config is the complete client configuration.
type Config struct {
	Ledger  LedgerConfig  `yaml:"ledger"`
	Session SessionConfig `yaml:"session"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LedgerConfig configures the HTTP boundary to the ledger service.
type LedgerConfig struct {
	BaseURL    string        `yaml:"base_url" env:"LEDGER_BASE_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"LEDGER_TIMEOUT"`
	RateLimit  float64       `yaml:"rate_limit" env:"LEDGER_RATE_LIMIT"`
	Burst      int           `yaml:"burst" env:"LEDGER_BURST"`
	MaxRetries int           `yaml:"max_retries" env:"LEDGER_MAX_RETRIES"`
}

// SessionConfig selects and configures the session repository.
type SessionConfig struct {
	Backend     string        `yaml:"backend" env:"LEDGER_SESSION_BACKEND"`
	FilePath    string        `yaml:"file_path" env:"LEDGER_SESSION_FILE"`
	PostgresDSN string        `yaml:"postgres_dsn" env:"LEDGER_SESSION_POSTGRES_DSN"`
	RedisAddr   string        `yaml:"redis_addr" env:"LEDGER_SESSION_REDIS_ADDR"`
	RedisDB     int           `yaml:"redis_db" env:"LEDGER_SESSION_REDIS_DB"`
	Profile     string        `yaml:"profile" env:"LEDGER_SESSION_PROFILE"`
	TTL         time.Duration `yaml:"ttl" env:"LEDGER_SESSION_TTL"`
	// Secret enables signed, expiring session tokens when non-empty.
	Secret string `yaml:"secret" env:"LEDGER_SESSION_SECRET"`
}

// CacheConfig configures the chain snapshot cache.
type CacheConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"LEDGER_REFRESH_INTERVAL"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEDGER_LOG_LEVEL"`
	Format string `yaml:"format" env:"LEDGER_LOG_FORMAT"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"LEDGER_METRICS_ENABLED"`
	Addr    string `yaml:"addr" env:"LEDGER_METRICS_ADDR"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Ledger: LedgerConfig{
			BaseURL:    "https://he-future-proof-digital-wallet.onrender.com",
			Timeout:    30 * time.Second,
			RateLimit:  10,
			Burst:      20,
			MaxRetries: 2,
		},
		Session: SessionConfig{
			Backend:  BackendFile,
			FilePath: filepath.Join(home, ".ledgerctl", "session.yaml"),
			Profile:  "default",
			TTL:      24 * time.Hour,
		},
		Cache: CacheConfig{
			RefreshInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
	}
}

// Load reads the YAML file at path on top of Default. A missing file is not
// an error when path is the default location.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. An empty path is a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env (%s): %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from LEDGER_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	return nil
}

// Validate checks required fields for the selected backend.
func (c *Config) Validate() error {
	c.Ledger.BaseURL = strings.TrimSuffix(strings.TrimSpace(c.Ledger.BaseURL), "/")
	if c.Ledger.BaseURL == "" {
		return fmt.Errorf("ledger.base_url is required")
	}
	u, err := url.Parse(c.Ledger.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ledger.base_url %q is not an absolute URL", c.Ledger.BaseURL)
	}
	if c.Ledger.Timeout < 0 {
		return fmt.Errorf("ledger.timeout must not be negative")
	}
	if c.Ledger.RateLimit < 0 || c.Ledger.Burst < 0 {
		return fmt.Errorf("ledger.rate_limit and ledger.burst must not be negative")
	}

	switch c.Session.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Session.FilePath == "" {
			return fmt.Errorf("session.file_path is required for the file backend")
		}
	case BackendPostgres:
		if c.Session.PostgresDSN == "" {
			return fmt.Errorf("session.postgres_dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("session.backend %q is not one of memory, file, postgres, redis", c.Session.Backend)
	}
	if c.Session.Profile == "" {
		c.Session.Profile = "default"
	}

	if c.Cache.RefreshInterval < 0 {
		return fmt.Errorf("cache.refresh_interval must not be negative")
	}
	return nil
}

// LoadAll is the startup sequence: .env file, YAML, environment, validation.
func LoadAll(path, envFile string) (*Config, error) {
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
