package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal counts update resolutions by outcome. The outcome is
	// "update_available" or the name of the step that ended resolution.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwrollout_resolutions_total",
		Help: "Total update resolutions by outcome",
	}, []string{"outcome"})

	// BreakerTripsTotal counts devices marked unhealthy by the circuit breaker.
	BreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwrollout_breaker_trips_total",
		Help: "Total devices marked unhealthy by reason",
	}, []string{"reason"})

	// DispatchesTotal counts update dispatches by outcome.
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwrollout_dispatches_total",
		Help: "Total update dispatches by outcome",
	}, []string{"outcome"})

	// DispatchDuration tracks how long a dispatch task takes end to end.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fwrollout_dispatch_duration_seconds",
		Help:    "Dispatch task duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})

	// FirmwareCacheTotal counts firmware cache lookups by result (hit, miss, error).
	FirmwareCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwrollout_firmware_cache_total",
		Help: "Firmware cache lookups by result",
	}, []string{"result"})
)

// Dispatch outcomes.
const (
	DispatchPublished = "published"
	DispatchNoUpdate  = "no_update"
	DispatchFailed    = "failed"
	DispatchTimedOut  = "timed_out"
	DispatchRejected  = "rejected"
)
