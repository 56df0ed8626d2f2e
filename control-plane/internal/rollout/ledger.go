package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/pilot-net/fwrollout/pkg/types"
)

// AuditTrail answers aggregate queries over the append-only audit log.
type AuditTrail interface {
	// DistinctTimestamps returns the distinct timestamps of events matching
	// filter. When since is non-nil only events at or after since are considered.
	DistinctTimestamps(ctx context.Context, filter types.AuditFilter, since *time.Time) ([]time.Time, error)
}

// Ledger counts failed update attempts for a device within a deployment.
//
// An attempt is an "update" audit event written by the deployment against the
// device for the deployment's current firmware. Counts are always recomputed
// from the trail; nothing is cached.
type Ledger struct {
	trail AuditTrail
	now   func() time.Time
}

// NewLedger creates a ledger over trail.
func NewLedger(trail AuditTrail) *Ledger {
	return &Ledger{trail: trail, now: time.Now}
}

// FailureCount returns the lifetime number of update attempts.
func (l *Ledger) FailureCount(ctx context.Context, device *types.Device, deployment *types.Deployment) (int, error) {
	filter, err := failureFilter(device, deployment)
	if err != nil {
		return 0, err
	}
	ts, err := l.trail.DistinctTimestamps(ctx, filter, nil)
	if err != nil {
		return 0, fmt.Errorf("querying failure count: %w", err)
	}
	return len(ts), nil
}

// FailureCountInWindow returns the number of update attempts in the last windowSeconds.
func (l *Ledger) FailureCountInWindow(ctx context.Context, device *types.Device, deployment *types.Deployment, windowSeconds int) (int, error) {
	filter, err := failureFilter(device, deployment)
	if err != nil {
		return 0, err
	}
	since := l.now().Add(-time.Duration(windowSeconds) * time.Second)
	ts, err := l.trail.DistinctTimestamps(ctx, filter, &since)
	if err != nil {
		return 0, fmt.Errorf("querying failure rate: %w", err)
	}
	return len(ts), nil
}

// UpdateAttemptEvent builds the audit event recorded when deployment pushes
// its firmware to device. These are the events the ledger counts.
func UpdateAttemptEvent(device *types.Device, deployment *types.Deployment, at time.Time) *types.AuditEvent {
	return &types.AuditEvent{
		ActorType:    types.AuditTypeDeployment,
		ActorID:      deployment.ID,
		ResourceType: types.AuditTypeDevice,
		ResourceID:   device.ID,
		Action:       types.AuditActionUpdate,
		Params: map[string]any{
			"firmware_uuid":       deployment.Firmware.UUID,
			"send_update_message": true,
		},
		Description: fmt.Sprintf("deployment %s sent firmware %s to device %s",
			deployment.Name, deployment.Firmware.UUID, device.Identifier),
		Timestamp: at,
	}
}

func failureFilter(device *types.Device, deployment *types.Deployment) (types.AuditFilter, error) {
	if deployment.Firmware == nil {
		return types.AuditFilter{}, fmt.Errorf("deployment %s has no firmware loaded", deployment.ID)
	}
	return types.AuditFilter{
		ActorType:    types.AuditTypeDeployment,
		ActorID:      deployment.ID,
		ResourceType: types.AuditTypeDevice,
		ResourceID:   device.ID,
		Action:       types.AuditActionUpdate,
		Params: map[string]any{
			"firmware_uuid":       deployment.Firmware.UUID,
			"send_update_message": true,
		},
	}, nil
}
