package types

import "time"

// InfrastructureHealth contains all infrastructure health metrics.
type InfrastructureHealth struct {
	Timestamp    time.Time          `json:"timestamp"`
	ControlPlane ControlPlaneHealth `json:"control_plane"`
	Database     DatabaseHealth     `json:"database"`
	Notify       NotifyHealth       `json:"notify"`
}

// ControlPlaneHealth contains control plane runtime metrics.
type ControlPlaneHealth struct {
	Status        string  `json:"status"` // healthy, degraded, down
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// DatabaseHealth contains database connection metrics.
type DatabaseHealth struct {
	Status string    `json:"status"`
	Pool   PoolStats `json:"pool"`
}

// PoolStats contains pgxpool connection pool statistics.
type PoolStats struct {
	TotalConnections    int32 `json:"total_connections"`
	IdleConnections     int32 `json:"idle_connections"`
	AcquiredConnections int32 `json:"acquired_connections"`
	MaxConnections      int32 `json:"max_connections"`
}

// NotifyHealth contains Redis notification channel metrics.
type NotifyHealth struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}
