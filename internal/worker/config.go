// Package worker runs the background jobs of the certdispatch controller:
// lease reaping, the agent offline watchdog and stale certificate rechecks.
package worker

import (
	"time"
)

// RecheckConfig holds configuration for the stale recheck job.
type RecheckConfig struct {
	// MaxAge is how long a record may go unchecked before it is stale.
	// Default: 24 hours
	MaxAge time.Duration

	// Limit caps the records dispatched per run. Zero means no limit.
	// Default: 500
	Limit int

	// Concurrency is the number of concurrent dispatches.
	// Default: 3
	Concurrency int

	// Timeout bounds each dispatch.
	// Default: 30 seconds
	Timeout time.Duration

	// Origin tags the queued tasks.
	// Default: "cron"
	Origin string
}

// Config holds configuration for the periodic jobs.
type Config struct {
	Recheck RecheckConfig

	// OfflineAfter is how long an online agent may stay silent.
	// Default: 15 minutes
	OfflineAfter time.Duration

	// ReapInterval is how often expired leases are returned to pending.
	// Default: 30 seconds
	ReapInterval time.Duration

	// WatchdogInterval is how often silent agents are looked for.
	// Default: 1 minute
	WatchdogInterval time.Duration
}

// DefaultRecheckConfig returns the default recheck configuration.
func DefaultRecheckConfig() RecheckConfig {
	return RecheckConfig{
		MaxAge:      24 * time.Hour,
		Limit:       500,
		Concurrency: 3,
		Timeout:     30 * time.Second,
		Origin:      "cron",
	}
}

// DefaultConfig returns the default job configuration.
func DefaultConfig() Config {
	return Config{
		Recheck:          DefaultRecheckConfig(),
		OfflineAfter:     15 * time.Minute,
		ReapInterval:     30 * time.Second,
		WatchdogInterval: time.Minute,
	}
}

func (c RecheckConfig) withDefaults() RecheckConfig {
	def := DefaultRecheckConfig()
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.Limit < 0 {
		c.Limit = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Origin == "" {
		c.Origin = def.Origin
	}
	return c
}
