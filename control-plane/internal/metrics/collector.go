// Package metrics provides Prometheus counters and infrastructure health
// collection for the control plane.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/fwrollout/control-plane/internal/config"
	"github.com/pilot-net/fwrollout/pkg/types"
)

// PoolStatsProvider reports database connection pool statistics.
type PoolStatsProvider interface {
	Ping(ctx context.Context) error
	GetPoolStats() types.PoolStats
}

// NotifyStatsProvider reports notification channel connectivity.
type NotifyStatsProvider interface {
	Ping(ctx context.Context) error
}

// Collector gathers infrastructure metrics with caching.
type Collector struct {
	db     PoolStatsProvider
	notify NotifyStatsProvider // may be nil if notifications are disabled

	startTime time.Time

	// Cached values with TTL
	mu            sync.RWMutex
	cachedHealth  *types.InfrastructureHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(db PoolStatsProvider, notify NotifyStatsProvider) *Collector {
	return &Collector{
		db:            db,
		notify:        notify,
		startTime:     time.Now(),
		cacheDuration: config.CacheTTLInfraHealth,
	}
}

// GetInfrastructureHealth returns the current infrastructure health metrics.
// Results are cached briefly so health probes do not hammer the database.
func (c *Collector) GetInfrastructureHealth(ctx context.Context) *types.InfrastructureHealth {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health
	}
	c.mu.RUnlock()

	health := c.collectHealth(ctx)

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return health
}

func (c *Collector) collectHealth(ctx context.Context) *types.InfrastructureHealth {
	return &types.InfrastructureHealth{
		Timestamp:    time.Now(),
		ControlPlane: c.collectControlPlaneHealth(),
		Database:     c.collectDatabaseHealth(ctx),
		Notify:       c.collectNotifyHealth(ctx),
	}
}

func (c *Collector) collectControlPlaneHealth() types.ControlPlaneHealth {
	health := types.ControlPlaneHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}

func (c *Collector) collectDatabaseHealth(ctx context.Context) types.DatabaseHealth {
	health := types.DatabaseHealth{
		Status: "healthy",
		Pool:   c.db.GetPoolStats(),
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
	defer cancel()
	if err := c.db.Ping(pingCtx); err != nil {
		health.Status = "down"
		return health
	}

	if health.Pool.MaxConnections > 0 && health.Pool.AcquiredConnections >= health.Pool.MaxConnections-2 {
		health.Status = "degraded"
	}
	return health
}

func (c *Collector) collectNotifyHealth(ctx context.Context) types.NotifyHealth {
	if c.notify == nil {
		return types.NotifyHealth{}
	}
	pingCtx, cancel := context.WithTimeout(ctx, config.RedisConnectionTimeout)
	defer cancel()
	return types.NotifyHealth{
		Enabled:   true,
		Connected: c.notify.Ping(pingCtx) == nil,
	}
}
