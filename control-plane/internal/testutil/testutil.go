// Package testutil provides testing utilities and fixtures for the control plane.
//
// This package contains:
//   - Test loggers
//   - Fixture factories for domain types (devices, firmware, deployments, audit events)
//   - Small time and pointer helpers
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	device := testutil.FixtureDevice()
//	device := testutil.FixtureDevice(func(d *types.Device) {
//		d.Tags = []string{"beta"}
//		d.Firmware.Version = "1.2.0"
//	})
//
// FixtureDevice and FixtureDeployment share a product, platform and
// architecture so a default device is eligible for a default deployment.
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/fwrollout/control-plane/internal/config"
	"github.com/pilot-net/fwrollout/pkg/types"
)

// Defaults shared by the fixtures.
const (
	FixtureOrgID        = "org-test"
	FixtureProductID    = "product-test"
	FixtureProductName  = "widget"
	FixturePlatform     = "rpi4"
	FixtureArchitecture = "arm"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a debug-level logger that still discards
// output. Swap io.Discard for os.Stderr when debugging a failure.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// =============================================================================
// FIRMWARE FIXTURES
// =============================================================================

// FixtureFirmware creates a test firmware build with sensible defaults.
func FixtureFirmware(overrides ...func(*types.Firmware)) *types.Firmware {
	id := uuid.New().String()
	fw := &types.Firmware{
		ID:           id,
		UUID:         uuid.New().String(),
		ProductID:    FixtureProductID,
		ProductName:  FixtureProductName,
		Platform:     FixturePlatform,
		Architecture: FixtureArchitecture,
		Version:      "2.0.0",
		Author:       "test",
		Size:         1 << 20,
		StorageKey:   "firmware/" + id + ".fw",
		CreatedAt:    time.Now(),
	}

	for _, override := range overrides {
		override(fw)
	}

	return fw
}

// FixtureFirmwareMetadata creates metadata as reported by a device.
func FixtureFirmwareMetadata(overrides ...func(*types.FirmwareMetadata)) *types.FirmwareMetadata {
	meta := &types.FirmwareMetadata{
		UUID:         uuid.New().String(),
		Version:      "1.0.0",
		Platform:     FixturePlatform,
		Architecture: FixtureArchitecture,
		FwupVersion:  "1.10.0",
		Product:      FixtureProductName,
	}

	for _, override := range overrides {
		override(meta)
	}

	return meta
}

// =============================================================================
// DEVICE FIXTURES
// =============================================================================

// FixtureDevice creates a healthy device running version 1.0.0.
func FixtureDevice(overrides ...func(*types.Device)) *types.Device {
	now := time.Now()
	device := &types.Device{
		ID:                uuid.New().String(),
		Identifier:        "dev-" + uuid.New().String()[:8],
		OrgID:             FixtureOrgID,
		ProductID:         FixtureProductID,
		Tags:              []string{"production"},
		Firmware:          FixtureFirmwareMetadata(),
		Healthy:           true,
		LastCommunication: &now,
		LockVersion:       1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	for _, override := range overrides {
		override(device)
	}

	return device
}

// FixtureDeviceUnreported creates a device that has never reported firmware.
func FixtureDeviceUnreported(overrides ...func(*types.Device)) *types.Device {
	return FixtureDevice(append([]func(*types.Device){
		func(d *types.Device) {
			d.Firmware = nil
			d.LastCommunication = nil
		},
	}, overrides...)...)
}

// FixtureDeviceUnhealthy creates a device already frozen out by the circuit breaker.
func FixtureDeviceUnhealthy(overrides ...func(*types.Device)) *types.Device {
	return FixtureDevice(append([]func(*types.Device){
		func(d *types.Device) {
			d.Healthy = false
		},
	}, overrides...)...)
}

// =============================================================================
// DEPLOYMENT FIXTURES
// =============================================================================

// FixtureDeployment creates an active, healthy deployment targeting every
// device of the fixture product with a fresh firmware build. The failure
// budget is wide enough that it never trips unless a test narrows it.
func FixtureDeployment(overrides ...func(*types.Deployment)) *types.Deployment {
	fw := FixtureFirmware()
	deployment := &types.Deployment{
		ID:                       uuid.New().String(),
		Name:                     "test-deployment",
		OrgID:                    FixtureOrgID,
		ProductID:                FixtureProductID,
		IsActive:                 true,
		Healthy:                  true,
		FirmwareID:               fw.ID,
		Firmware:                 fw,
		DeviceFailureThreshold:   config.DefaultDeviceFailureThreshold,
		DeviceFailureRateAmount:  config.DefaultDeviceFailureRateAmount,
		DeviceFailureRateSeconds: config.DefaultDeviceFailureRateSeconds,
		CreatedAt:                time.Now(),
		UpdatedAt:                time.Now(),
	}

	for _, override := range overrides {
		override(deployment)
	}

	return deployment
}

// FixtureDeploymentInactive creates a deployment that has been switched off.
func FixtureDeploymentInactive(overrides ...func(*types.Deployment)) *types.Deployment {
	return FixtureDeployment(append([]func(*types.Deployment){
		func(d *types.Deployment) {
			d.IsActive = false
		},
	}, overrides...)...)
}

// =============================================================================
// AUDIT FIXTURES
// =============================================================================

// FixtureUpdateEvent creates the audit event recorded when deployment sends
// its firmware to device.
func FixtureUpdateEvent(device *types.Device, deployment *types.Deployment, at time.Time, overrides ...func(*types.AuditEvent)) *types.AuditEvent {
	event := &types.AuditEvent{
		ID:           uuid.New().String(),
		ActorType:    types.AuditTypeDeployment,
		ActorID:      deployment.ID,
		ResourceType: types.AuditTypeDevice,
		ResourceID:   device.ID,
		Action:       types.AuditActionUpdate,
		Params: map[string]any{
			"firmware_uuid":       deployment.Firmware.UUID,
			"send_update_message": true,
		},
		Timestamp: at,
	}

	for _, override := range overrides {
		override(event)
	}

	return event
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Ptr returns a pointer to the given value.
// Useful for setting optional fields in fixtures.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns a time in the past by the given duration.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}

// TimeAgoPtr returns a pointer to a time in the past.
func TimeAgoPtr(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}
