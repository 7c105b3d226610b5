// Package config defines the opinion engine's configuration and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/amm"
	"github.com/atmx/opinion-engine/internal/trade"
)

// Config is the root configuration. Fields come from Defaults, then an
// optional TOML file, then environment overrides.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Engine   EngineConfig   `toml:"engine"`
	Expiry   ExpiryConfig   `toml:"expiry"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL connection parameters. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis parameters. An empty URL disables the cache and
// the distributed lock.
type RedisConfig struct {
	URL       string   `toml:"url"`
	CacheTTL  duration `toml:"cache_ttl"`
	LockLease duration `toml:"lock_lease"`
	LockRetry duration `toml:"lock_retry"`
}

// EngineConfig holds market and trade parameters.
type EngineConfig struct {
	DefaultFeePercent    decimal.Decimal `toml:"default_fee_percent"`
	LockTimeout          duration        `toml:"lock_timeout"`
	MinOpinionLength     int             `toml:"min_opinion_length"`
	MinDescriptionLength int             `toml:"min_description_length"`
	DefaultPageSize      int             `toml:"default_page_size"`
	MaxPageSize          int             `toml:"max_page_size"`
}

// ExpiryConfig controls the expiry sweeper.
type ExpiryConfig struct {
	Enabled      bool     `toml:"enabled"`
	Spec         string   `toml:"spec"`
	CloseTimeout duration `toml:"close_timeout"`
}

// duration wraps time.Duration so TOML strings like "5s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs a single in-memory instance.
func Defaults() Config {
	tc := trade.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:  duration{30 * time.Second},
			LockLease: duration{10 * time.Second},
			LockRetry: duration{20 * time.Millisecond},
		},
		Engine: EngineConfig{
			DefaultFeePercent:    tc.DefaultFeePercent,
			LockTimeout:          duration{2 * time.Second},
			MinOpinionLength:     tc.MinOpinionLength,
			MinDescriptionLength: tc.MinDescriptionLength,
			DefaultPageSize:      tc.DefaultPageSize,
			MaxPageSize:          tc.MaxPageSize,
		},
		Expiry: ExpiryConfig{
			Enabled:      true,
			Spec:         "*/30 * * * * *",
			CloseTimeout: duration{5 * time.Second},
		},
		LogLevel: "info",
	}
}

// TradeConfig returns the trade service settings.
func (c *Config) TradeConfig() trade.Config {
	return trade.Config{
		DefaultFeePercent:    c.Engine.DefaultFeePercent,
		MinOpinionLength:     c.Engine.MinOpinionLength,
		MinDescriptionLength: c.Engine.MinDescriptionLength,
		DefaultPageSize:      c.Engine.DefaultPageSize,
		MaxPageSize:          c.Engine.MaxPageSize,
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}

	if c.Database.URL != "" && c.Database.MaxConns <= 0 {
		errs = append(errs, "database: max_conns must be positive")
	}

	if c.Redis.URL != "" {
		if c.Redis.CacheTTL.Duration <= 0 {
			errs = append(errs, "redis: cache_ttl must be positive")
		}
		if c.Redis.LockLease.Duration <= c.Engine.LockTimeout.Duration {
			errs = append(errs, "redis: lock_lease must exceed engine.lock_timeout")
		}
		if c.Redis.LockRetry.Duration <= 0 {
			errs = append(errs, "redis: lock_retry must be positive")
		}
	}

	if err := amm.ValidateFee(c.Engine.DefaultFeePercent); err != nil {
		errs = append(errs, fmt.Sprintf("engine: default_fee_percent %s: %v", c.Engine.DefaultFeePercent, err))
	}
	if c.Engine.LockTimeout.Duration <= 0 {
		errs = append(errs, "engine: lock_timeout must be positive")
	}
	if c.Engine.MinOpinionLength < 0 || c.Engine.MinDescriptionLength < 0 {
		errs = append(errs, "engine: minimum lengths must not be negative")
	}
	if c.Engine.DefaultPageSize <= 0 || c.Engine.MaxPageSize <= 0 {
		errs = append(errs, "engine: page sizes must be positive")
	} else if c.Engine.DefaultPageSize > c.Engine.MaxPageSize {
		errs = append(errs, "engine: default_page_size must not exceed max_page_size")
	}

	if c.Expiry.Enabled {
		if _, err := cronParser.Parse(c.Expiry.Spec); err != nil {
			errs = append(errs, fmt.Sprintf("expiry: invalid spec %q: %v", c.Expiry.Spec, err))
		}
		if c.Expiry.CloseTimeout.Duration <= 0 {
			errs = append(errs, "expiry: close_timeout must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
