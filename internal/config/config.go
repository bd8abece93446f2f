package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	LockBackendRedis = "redis"
	LockBackendLocal = "local"
)

type Config struct {
	Port                        int      `env:"PORT" envDefault:"8080"`
	StoreBackend                string   `env:"STORE_BACKEND" envDefault:"postgres"`
	DatabaseURL                 string   `env:"DATABASE_URL"`
	RedisURL                    string   `env:"REDIS_URL,required"`
	LockBackend                 string   `env:"LOCK_BACKEND" envDefault:"redis"`
	AdminPasswordHash           string   `env:"ADMIN_PASSWORD_HASH"`
	EncryptionKey               string   `env:"ENCRYPTION_KEY"`
	ConsentVersion              string   `env:"CONSENT_VERSION" envDefault:"1.0"`
	AbandonAfterSeconds         int      `env:"ABANDON_AFTER_SECONDS" envDefault:"1800"`
	AbandonCheckIntervalSeconds int      `env:"ABANDON_CHECK_INTERVAL_SECONDS" envDefault:"60"`
	ResponderTimeoutSeconds     int      `env:"RESPONDER_TIMEOUT_SECONDS" envDefault:"20"`
	SubscriberBuffer            int      `env:"SUBSCRIBER_BUFFER" envDefault:"100"`
	PublicRateLimitPerMin       int      `env:"PUBLIC_RATE_LIMIT_PER_MIN" envDefault:"120"`
	WSOriginPatterns            []string `env:"WS_ORIGIN_PATTERNS" envSeparator:","`
	AutoMigrate                 bool     `env:"AUTO_MIGRATE" envDefault:"true"`
	LogLevel                    string   `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) AbandonAfter() time.Duration {
	return time.Duration(c.AbandonAfterSeconds) * time.Second
}

func (c *Config) AbandonCheckInterval() time.Duration {
	return time.Duration(c.AbandonCheckIntervalSeconds) * time.Second
}

func (c *Config) ResponderTimeout() time.Duration {
	return time.Duration(c.ResponderTimeoutSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case StoreBackendMemory:
		if isProduction {
			return fmt.Errorf("STORE_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q", StoreBackendPostgres, StoreBackendMemory)
	}

	if c.LockBackend != LockBackendRedis && c.LockBackend != LockBackendLocal {
		return fmt.Errorf("LOCK_BACKEND must be %q or %q", LockBackendRedis, LockBackendLocal)
	}

	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (generate with: openssl rand -hex 32)")
		}
	}

	if c.AbandonAfterSeconds <= 0 || c.AbandonCheckIntervalSeconds <= 0 {
		return fmt.Errorf("ABANDON_AFTER_SECONDS and ABANDON_CHECK_INTERVAL_SECONDS must be positive")
	}

	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be positive")
	}

	if c.ResponderTimeoutSeconds <= 0 {
		return fmt.Errorf("RESPONDER_TIMEOUT_SECONDS must be positive")
	}

	if c.PublicRateLimitPerMin <= 0 {
		return fmt.Errorf("PUBLIC_RATE_LIMIT_PER_MIN must be positive")
	}

	if isProduction {
		if c.AdminPasswordHash == "" {
			log.Warn().Msg("ADMIN_PASSWORD_HASH is empty in production: admin endpoints are disabled")
		}
		if c.LockBackend == LockBackendLocal {
			log.Warn().Msg("LOCK_BACKEND=local in production: session serialization only holds within one instance")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: visitor IP addresses will be stored in plain text")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
