// Package service contains the business logic for the control plane.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilot-net/fwrollout/control-plane/internal/config"
	"github.com/pilot-net/fwrollout/control-plane/internal/store"
	"github.com/pilot-net/fwrollout/pkg/types"
)

// DeviceStore is the storage the service needs.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*types.Device, error)
	UpdateDevice(ctx context.Context, device *types.Device, events ...*types.AuditEvent) (*types.Device, error)
	SoftDeleteDevice(ctx context.Context, id string) (bool, error)
	ListAudit(ctx context.Context, filter types.AuditFilter, limit int) ([]types.AuditEvent, error)
}

// UpdateResolver resolves the update a device should receive.
type UpdateResolver interface {
	ResolveForDevice(ctx context.Context, device *types.Device) types.UpdatePayload
}

// Dispatcher pushes updates to devices after their record changes.
type Dispatcher interface {
	Dispatch(ctx context.Context, device *types.Device) string
}

// Service provides business logic operations.
type Service struct {
	store      DeviceStore
	resolver   UpdateResolver
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new service.
func NewService(store DeviceStore, resolver UpdateResolver, dispatcher Dispatcher, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     logger.With("component", "service"),
		now:        time.Now,
	}
}

// =============================================================================
// DEVICE OPERATIONS
// =============================================================================

// DevicePatch contains the operator-editable fields of a device.
// Nil fields are left unchanged.
type DevicePatch struct {
	Identifier *string   `json:"identifier,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	Healthy    *bool     `json:"healthy,omitempty"`

	// Actor identifies who made the change in the audit trail.
	Actor string `json:"-"`
}

// GetDevice returns a device, or nil if it does not exist.
func (s *Service) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	return s.store.GetDevice(ctx, id)
}

// UpdateDevice applies patch to a device. It returns nil, nil if the device
// does not exist and a *types.ValidationError if the result is invalid.
//
// An operator changing the healthy flag is audited in the same write. Once
// the write commits, a healthy device is handed to the dispatcher.
func (s *Service) UpdateDevice(ctx context.Context, id string, patch DevicePatch) (*types.Device, error) {
	return s.writeDevice(ctx, id, func(current *types.Device) (*types.Device, []*types.AuditEvent, error) {
		updated := current.Clone()
		if patch.Identifier != nil {
			updated.Identifier = *patch.Identifier
		}
		if patch.Tags != nil {
			updated.Tags = types.NormalizeTags(*patch.Tags)
		}
		if patch.Healthy != nil {
			updated.Healthy = *patch.Healthy
		}
		if err := updated.Validate(); err != nil {
			return nil, nil, err
		}

		var events []*types.AuditEvent
		if updated.Healthy != current.Healthy {
			events = append(events, s.healthChangedEvent(updated, patch.Actor))
		}
		return updated, events, nil
	})
}

// ReportFirmware records the firmware a device reports it is running and
// bumps its last communication time.
func (s *Service) ReportFirmware(ctx context.Context, id string, meta *types.FirmwareMetadata) (*types.Device, error) {
	if meta == nil {
		return nil, &types.ValidationError{Fields: []types.FieldError{{Field: "firmware_metadata", Reason: "is required"}}}
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	return s.writeDevice(ctx, id, func(current *types.Device) (*types.Device, []*types.AuditEvent, error) {
		updated := current.Clone()
		reported := *meta
		updated.Firmware = &reported
		now := s.now()
		updated.LastCommunication = &now
		return updated, nil, nil
	})
}

// CheckForUpdate resolves the update a device should install now. It
// returns nil, nil if the device does not exist.
func (s *Service) CheckForUpdate(ctx context.Context, id string) (*types.UpdatePayload, error) {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, nil
	}

	payload := s.resolver.ResolveForDevice(ctx, device)
	return &payload, nil
}

// DeleteDevice soft-deletes a device. It reports whether the device existed.
func (s *Service) DeleteDevice(ctx context.Context, id string) (bool, error) {
	deleted, err := s.store.SoftDeleteDevice(ctx, id)
	if err != nil {
		return false, fmt.Errorf("deleting device %s: %w", id, err)
	}
	if deleted {
		s.logger.Info("device deleted", "device_id", id)
	}
	return deleted, nil
}

// ListDeviceAudit returns the newest audit events about a device.
func (s *Service) ListDeviceAudit(ctx context.Context, id string, limit int) ([]types.AuditEvent, error) {
	if limit <= 0 {
		limit = config.DefaultPaginationLimit
	}
	if limit > config.MaxPaginationLimit {
		limit = config.MaxPaginationLimit
	}
	return s.store.ListAudit(ctx, types.AuditFilter{
		ResourceType: types.AuditTypeDevice,
		ResourceID:   id,
	}, limit)
}

// mutation derives the next version of a device and the audit events that
// justify it.
type mutation func(current *types.Device) (*types.Device, []*types.AuditEvent, error)

// writeDevice applies mutate under optimistic concurrency, retrying against
// a fresh copy when another write wins the race, then dispatches.
func (s *Service) writeDevice(ctx context.Context, id string, mutate mutation) (*types.Device, error) {
	for attempt := 0; attempt <= config.StaleWriteRetries; attempt++ {
		current, err := s.store.GetDevice(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading device %s: %w", id, err)
		}
		if current == nil {
			return nil, nil
		}

		updated, events, err := mutate(current)
		if err != nil {
			return nil, err
		}

		saved, err := s.store.UpdateDevice(ctx, updated, events...)
		if errors.Is(err, store.ErrStaleDevice) {
			s.logger.Debug("device write lost a race, retrying",
				"device_id", id,
				"attempt", attempt+1,
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("writing device %s: %w", id, err)
		}
		if saved == nil {
			return nil, nil
		}

		s.dispatch(ctx, saved)
		return saved, nil
	}

	return nil, fmt.Errorf("writing device %s: %w", id, store.ErrStaleDevice)
}

// dispatch hands a committed device to the dispatcher. Unhealthy devices
// never receive updates, so they are skipped.
func (s *Service) dispatch(ctx context.Context, device *types.Device) {
	if !device.Healthy {
		s.logger.Debug("skipping dispatch for unhealthy device", "device_id", device.ID)
		return
	}
	outcome := s.dispatcher.Dispatch(ctx, device)
	s.logger.Debug("dispatch finished", "device_id", device.ID, "outcome", outcome)
}

func (s *Service) healthChangedEvent(device *types.Device, actor string) *types.AuditEvent {
	if actor == "" {
		actor = "operator"
	}
	state := "unhealthy"
	if device.Healthy {
		state = "healthy"
	}
	return &types.AuditEvent{
		ActorType:    types.AuditTypeUser,
		ActorID:      actor,
		ResourceType: types.AuditTypeDevice,
		ResourceID:   device.ID,
		Action:       types.AuditActionHealthChanged,
		Params:       map[string]any{"healthy": device.Healthy},
		Description:  fmt.Sprintf("%s marked device %s %s", actor, device.Identifier, state),
		Timestamp:    s.now(),
	}
}
