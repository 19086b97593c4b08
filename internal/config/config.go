package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Values resolve in three layers:
// built-in defaults, then the YAML file, then USAGE_* environment variables.
type Config struct {
	Addr     string `yaml:"addr" env:"USAGE_ADDR"`
	LogLevel string `yaml:"log_level" env:"USAGE_LOG_LEVEL"`

	Storage   Storage   `yaml:"storage"`
	Auth      Auth      `yaml:"auth"`
	Retention Retention `yaml:"retention"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

// Storage selects and configures the persistence backend.
type Storage struct {
	// Backend is one of "memory", "redis", "postgres".
	Backend     string `yaml:"backend" env:"USAGE_STORAGE_BACKEND"`
	RedisAddr   string `yaml:"redis_addr" env:"USAGE_REDIS_ADDR"`
	RedisPrefix string `yaml:"redis_prefix" env:"USAGE_REDIS_PREFIX"`
	PostgresDSN string `yaml:"postgres_dsn" env:"USAGE_POSTGRES_DSN"`
}

// Auth configures the HTTP authentication layer.
type Auth struct {
	// Disabled turns request authentication off entirely.
	Disabled bool `yaml:"disabled" env:"USAGE_AUTH_DISABLED"`
	// JWTSecret signs and verifies bearer tokens.
	JWTSecret string `yaml:"jwt_secret" env:"USAGE_JWT_SECRET"`
	// AdminTokenHash is the bcrypt hash of the admin API token.
	AdminTokenHash string `yaml:"admin_token_hash" env:"USAGE_ADMIN_TOKEN_HASH"`
}

// Retention configures the background workers.
type Retention struct {
	// SweepSchedule is a cron expression for the retention sweep.
	SweepSchedule string `yaml:"sweep_schedule" env:"USAGE_SWEEP_SCHEDULE"`
	// JanitorInterval is how often abandoned sessions are recovered.
	JanitorInterval time.Duration `yaml:"janitor_interval" env:"USAGE_JANITOR_INTERVAL"`
}

// RateLimit bounds per-client request rates at the HTTP layer.
type RateLimit struct {
	RPS   float64 `yaml:"rps" env:"USAGE_RATE_LIMIT_RPS"`
	Burst int     `yaml:"burst" env:"USAGE_RATE_LIMIT_BURST"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		Storage: Storage{
			Backend:     "memory",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "usage:",
		},
		Retention: Retention{
			SweepSchedule:   "15 0 * * *",
			JanitorInterval: time.Hour,
		},
		RateLimit: RateLimit{
			RPS:   20,
			Burst: 40,
		},
	}
}

// Load resolves configuration from the optional YAML file at path and the
// environment. An empty path skips the file layer; a named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires a DSN")
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth enabled but no JWT secret configured")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values cannot be negative")
	}
	return nil
}
