// Package config provides configuration for the control plane: tunable
// constants and the server configuration file.
//
// Constants centralize values that would otherwise be scattered throughout
// the codebase, making them easier to find, modify, and test.
package config

import "time"

// Update dispatch. A dispatch is the background task that re-resolves a
// device after its record changes and publishes any update found.
const (
	// DefaultDispatchTimeout is how long the triggering request waits for a
	// dispatch before detaching from it.
	DefaultDispatchTimeout = 15 * time.Second

	// DefaultDispatchWorkers is the number of concurrent dispatch tasks.
	DefaultDispatchWorkers = 8

	// DefaultDispatchQueueSize is how many dispatches may wait for a worker.
	DefaultDispatchQueueSize = 256

	// DefaultPublishRate limits update notifications per second.
	DefaultPublishRate = 100.0

	// DefaultPublishBurst is the notification burst allowed above the rate.
	DefaultPublishBurst = 20
)

// Deployment failure budget defaults. These match the column defaults of
// the deployments table.
const (
	DefaultDeviceFailureThreshold   = 50
	DefaultDeviceFailureRateAmount  = 5
	DefaultDeviceFailureRateSeconds = 180
)

// Device writes.
const (
	// StaleWriteRetries is how many times a write that lost an optimistic
	// concurrency race is retried against a fresh copy.
	StaleWriteRetries = 3
)

// Firmware delivery.
const (
	// DefaultDeliveryURLTTL is how long a signed firmware URL stays valid.
	DefaultDeliveryURLTTL = time.Hour

	// FirmwareCacheTTL is the TTL for cached firmware records. Firmware is
	// immutable, so this only bounds memory.
	FirmwareCacheTTL = 24 * time.Hour
)

// Pagination defaults for API list endpoints.
const (
	// DefaultPaginationLimit is the default number of items returned
	// when no limit is specified.
	DefaultPaginationLimit = 100

	// MaxPaginationLimit is the maximum number of items that can be
	// requested in a single API call.
	MaxPaginationLimit = 500
)

// Cache TTLs for API response caching.
const (
	// CacheTTLInfraHealth is the TTL for infrastructure health data.
	CacheTTLInfraHealth = 10 * time.Second
)

// Database connection configuration.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second

	// DefaultMaxDatabaseConns is the default pgx pool size.
	DefaultMaxDatabaseConns = 20
)

// HTTP server timeouts.
const (
	ServerReadTimeout     = 30 * time.Second
	ServerWriteTimeout    = 30 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)
