// Package config loads runtime settings from the environment (optionally
// seeded from a .env file), applies defaults and validates them.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string `env:"SERVER_PORT,default=:8080"`
	RawOrigins     string `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize int64  `env:"MAX_MESSAGE_SIZE,default=4096"`
	RateBurst      int    `env:"RATE_LIMIT_BURST,default=5"`
	RawRefill      string `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`

	SendBufferSize  int           `env:"SEND_BUFFER_SIZE,default=256"`
	PruneInterval   time.Duration `env:"PRUNE_INTERVAL,default=30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	StoreDriver     string        `env:"STORE_DRIVER,default=postgres"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	BadgerPath      string        `env:"BADGER_PATH"`
	BreakerFailures int           `env:"BREAKER_FAILURES,default=5"`
	BreakerTimeout  time.Duration `env:"BREAKER_TIMEOUT,default=30s"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	// Derived by Load.
	AllowedOrigins []string
	RateLimit      RateLimitConfig
}

// Default returns a Config populated with default values for all settings,
// using the in-memory store.
func Default() *Config {
	cfg := &Config{StoreDriver: DriverMemory}
	sanitize(cfg)
	return cfg
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// A missing .env file is expected outside development.
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	sanitize(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func sanitize(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.RawOrigins == "" && len(cfg.AllowedOrigins) == 0 {
		cfg.RawOrigins = "http://localhost:8080"
	}

	if cfg.RawOrigins != "" {
		cfg.AllowedOrigins = parseOrigins(cfg.RawOrigins)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverPostgres
	}
	cfg.RateLimit = RateLimitConfig{
		Burst:          cfg.RateBurst,
		RefillInterval: parseRefillInterval(cfg.RawRefill, time.Second),
	}
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case DriverBadger:
		if c.BadgerPath == "" {
			return errors.New("BADGER_PATH is required when STORE_DRIVER is badger")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want memory, postgres or badger)", c.StoreDriver)
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("ALLOWED_ORIGINS must list at least one origin")
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseRefillInterval accepts whole seconds ("2") or a Go duration ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
