package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/fwrollout/control-plane/internal/metrics"
	"github.com/pilot-net/fwrollout/pkg/types"
)

// Reasons recorded when the breaker trips.
const (
	ReasonFailureRate      = "device failure rate met"
	ReasonFailureThreshold = "device failure threshold met"
)

// HealthStore persists circuit breaker trips.
type HealthStore interface {
	// MarkDeviceUnhealthy clears the device's healthy flag and appends event
	// in a single transaction. If the device is already unhealthy nothing is
	// written and flipped is false. The returned device is the stored state.
	MarkDeviceUnhealthy(ctx context.Context, deviceID string, event *types.AuditEvent) (device *types.Device, flipped bool, err error)
}

// Breaker freezes a device out of a deployment once it exhausts the
// deployment's failure budget. The transition is one-way.
type Breaker struct {
	ledger *Ledger
	store  HealthStore
	logger *slog.Logger
	locks  *deviceLocks
	now    func() time.Time
}

// NewBreaker creates a circuit breaker.
func NewBreaker(ledger *Ledger, store HealthStore, logger *slog.Logger) *Breaker {
	return &Breaker{
		ledger: ledger,
		store:  store,
		logger: logger.With("component", "circuit_breaker"),
		locks:  newDeviceLocks(),
		now:    time.Now,
	}
}

// Evaluate returns device, marked unhealthy if it has exceeded the
// deployment's failure budget. The rate check runs before the absolute
// threshold check. A device that is already unhealthy is returned untouched.
func (b *Breaker) Evaluate(ctx context.Context, device *types.Device, deployment *types.Deployment) (*types.Device, error) {
	if !device.Healthy {
		return device, nil
	}

	unlock := b.locks.lock(device.ID)
	defer unlock()

	windowCount, err := b.ledger.FailureCountInWindow(ctx, device, deployment, deployment.DeviceFailureRateSeconds)
	if err != nil {
		return nil, err
	}
	if windowCount >= deployment.DeviceFailureRateAmount {
		return b.trip(ctx, device, deployment, ReasonFailureRate, windowCount)
	}

	count, err := b.ledger.FailureCount(ctx, device, deployment)
	if err != nil {
		return nil, err
	}
	if count >= deployment.DeviceFailureThreshold {
		return b.trip(ctx, device, deployment, ReasonFailureThreshold, count)
	}

	return device, nil
}

func (b *Breaker) trip(ctx context.Context, device *types.Device, deployment *types.Deployment, reason string, count int) (*types.Device, error) {
	event := &types.AuditEvent{
		ActorType:    types.AuditTypeDeployment,
		ActorID:      deployment.ID,
		ResourceType: types.AuditTypeDevice,
		ResourceID:   device.ID,
		Action:       types.AuditActionMarkedUnhealthy,
		Params: map[string]any{
			"reason":        reason,
			"firmware_uuid": deployment.Firmware.UUID,
			"failures":      count,
		},
		Description: fmt.Sprintf("device %s marked unhealthy: %s for firmware %s in deployment %s",
			device.Identifier, reason, deployment.Firmware.UUID, deployment.Name),
		Timestamp: b.now(),
	}

	updated, flipped, err := b.store.MarkDeviceUnhealthy(ctx, device.ID, event)
	if err != nil {
		return nil, fmt.Errorf("marking device unhealthy: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("device not found: %s", device.ID)
	}

	if flipped {
		metrics.BreakerTripsTotal.WithLabelValues(reason).Inc()
		b.logger.Warn("device marked unhealthy",
			"device_id", device.ID,
			"deployment_id", deployment.ID,
			"firmware_uuid", deployment.Firmware.UUID,
			"reason", reason,
			"failures", count,
		)
	}
	return updated, nil
}

// deviceLocks serializes breaker evaluations per device.
// Entries are reference counted and dropped when the last holder unlocks.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*deviceLock)}
}

func (l *deviceLocks) lock(deviceID string) (unlock func()) {
	l.mu.Lock()
	dl, ok := l.locks[deviceID]
	if !ok {
		dl = &deviceLock{}
		l.locks[deviceID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	dl.mu.Lock()

	return func() {
		dl.mu.Unlock()

		l.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(l.locks, deviceID)
		}
		l.mu.Unlock()
	}
}
