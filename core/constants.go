package core

import "time"

// Environment Variables - common across the gateway process
const (
	EnvRedisURL  = "REDIS_URL" // Redis connection URL for the blacklist mirror
	EnvNamespace = "NAMESPACE" // Kubernetes namespace for deployment isolation
	EnvPort      = "PORT"      // HTTP server port
	EnvDevMode   = "DEV_MODE"  // Development mode flag
)

// Redis Cache Defaults for the optional blacklist mirror (blacklist.Registry)
const (
	// DefaultRedisPrefix is the default key prefix for mirrored blacklist entries.
	// Format: <prefix><target-id>
	DefaultRedisPrefix = "gateway:blacklist:"

	// DefaultBlacklistMirrorTTL bounds how long a mirrored entry survives in
	// Redis beyond its own expiry, as a safety net against clock skew.
	DefaultBlacklistMirrorTTL = 1 * time.Hour
)
