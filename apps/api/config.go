package main

import (
	"fmt"
	"time"
)

const minCleanupInterval = time.Second

type config struct {
	ServiceName     string        `env:"SERVICE_NAME,required"`
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	RedisURL        string        `env:"REDIS_URL"` // in-memory tenant cache and no event transport when empty

	IdentityServiceURL    string        `env:"IDENTITY_SERVICE_URL,required"`
	InternalServiceSecret string        `env:"INTERNAL_SERVICE_SECRET"`
	DirectoryTimeout      time.Duration `env:"DIRECTORY_TIMEOUT" envDefault:"5s"`
	DirectoryRetries      int           `env:"DIRECTORY_RETRIES" envDefault:"2"`
	DirectoryRetryBackoff time.Duration `env:"DIRECTORY_RETRY_BACKOFF" envDefault:"100ms"`
	TenantCacheTTL        time.Duration `env:"TENANT_CACHE_TTL" envDefault:"10m"`
	TenantFallbackTTL     time.Duration `env:"TENANT_FALLBACK_TTL" envDefault:"1h"`
	BreakerThreshold      uint32        `env:"BREAKER_THRESHOLD" envDefault:"5"`
	BreakerWindow         time.Duration `env:"BREAKER_WINDOW" envDefault:"60s"`
	BreakerCooldown       time.Duration `env:"BREAKER_COOLDOWN" envDefault:"60s"`
	InvalidationChannel   string        `env:"TENANT_INVALIDATION_CHANNEL" envDefault:"hrms.tenant-invalidations"`

	PoolMaxIdle        time.Duration `env:"POOL_MAX_IDLE" envDefault:"30m"`
	PoolPurgeOnRelease bool          `env:"POOL_PURGE_ON_RELEASE" envDefault:"true"`
	TenantPoolMaxConns int32         `env:"TENANT_POOL_MAX_CONNS" envDefault:"4"`
	ProvisionTimeout   time.Duration `env:"PROVISION_TIMEOUT" envDefault:"5m"`
	ProvisionOnEvent   bool          `env:"PROVISION_ON_EVENT" envDefault:"true"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`
	OutboxChannel      string        `env:"OUTBOX_CHANNEL" envDefault:"hrms.tenant-events"`
}

func (c config) validate() error {
	if c.PoolMaxIdle <= 0 {
		return fmt.Errorf("POOL_MAX_IDLE must be positive, got %s", c.PoolMaxIdle)
	}
	return nil
}

// cleanupInterval is how often idle tenant connections are swept: half the idle limit,
// never below minCleanupInterval.
func (c config) cleanupInterval() time.Duration {
	if d := c.PoolMaxIdle / 2; d >= minCleanupInterval {
		return d
	}
	return minCleanupInterval
}
