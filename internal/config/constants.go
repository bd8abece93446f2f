package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Per-session lock settings
const (
	SessionLockTTL       = 10 * time.Second
	SessionLockWait      = 5 * time.Second
	SessionLockRetryStep = 25 * time.Millisecond
)

// Abandonment sweep batch size
const AbandonBatchSize = 200

// Public endpoint rate limiting window
const PublicRateLimitWindow = time.Minute
