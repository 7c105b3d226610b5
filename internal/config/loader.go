package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/money"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, loads .env if present, and applies environment overrides. The
// result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose environment variable is set.
// PORT, DATABASE_URL and REDIS_URL keep their conventional names.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "ENGINE_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "ENGINE_CORS_ORIGINS")

	// ── Database ──
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "ENGINE_DB_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "ENGINE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "ENGINE_CACHE_TTL")
	setDuration(&cfg.Redis.LockLease, "ENGINE_LOCK_LEASE")

	// ── Engine ──
	setDecimal(&cfg.Engine.DefaultFeePercent, "ENGINE_DEFAULT_FEE_PERCENT")
	setDuration(&cfg.Engine.LockTimeout, "ENGINE_LOCK_TIMEOUT")
	setInt(&cfg.Engine.DefaultPageSize, "ENGINE_DEFAULT_PAGE_SIZE")
	setInt(&cfg.Engine.MaxPageSize, "ENGINE_MAX_PAGE_SIZE")

	// ── Expiry ──
	setBool(&cfg.Expiry.Enabled, "ENGINE_EXPIRY_ENABLED")
	setStr(&cfg.Expiry.Spec, "ENGINE_EXPIRY_SPEC")

	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := money.Parse(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
