// Package types defines the core domain types of the firmware rollout control plane.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Immutability: Firmware and reported metadata are snapshots; never mutate them in place
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"sort"
	"time"
)

// =============================================================================
// FIRMWARE
// =============================================================================

// FirmwareMetadata is the build identity a device last reported.
//
// A nil *FirmwareMetadata on a device means the device has never reported,
// and no update can be resolved for it.
type FirmwareMetadata struct {
	UUID          string `json:"uuid"`
	Version       string `json:"version"`
	Platform      string `json:"platform"`
	Architecture  string `json:"architecture"`
	FwupVersion   string `json:"fwup_version,omitempty"`
	Product       string `json:"product"`
	Author        string `json:"author,omitempty"`
	Description   string `json:"description,omitempty"`
	VCSIdentifier string `json:"vcs_identifier,omitempty"`
}

// Firmware is an uploaded firmware build. Immutable once created.
type Firmware struct {
	ID            string    `json:"id"`
	UUID          string    `json:"uuid"`
	ProductID     string    `json:"product_id"`
	ProductName   string    `json:"product_name"`
	Platform      string    `json:"platform"`
	Architecture  string    `json:"architecture"`
	Version       string    `json:"version"`
	Author        string    `json:"author,omitempty"`
	Description   string    `json:"description,omitempty"`
	VCSIdentifier string    `json:"vcs_identifier,omitempty"`
	Size          int64     `json:"size"`
	StorageKey    string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Metadata returns the public metadata snapshot of the firmware.
func (f *Firmware) Metadata() *FirmwareMetadata {
	return &FirmwareMetadata{
		UUID:          f.UUID,
		Version:       f.Version,
		Platform:      f.Platform,
		Architecture:  f.Architecture,
		Product:       f.ProductName,
		Author:        f.Author,
		Description:   f.Description,
		VCSIdentifier: f.VCSIdentifier,
	}
}

// =============================================================================
// DEVICE
// =============================================================================

// Device is a fleet device as seen by the control plane.
type Device struct {
	ID         string            `json:"id"`
	Identifier string            `json:"identifier"`
	OrgID      string            `json:"org_id"`
	ProductID  string            `json:"product_id"`
	Tags       []string          `json:"tags"`
	Firmware   *FirmwareMetadata `json:"firmware_metadata,omitempty"`

	// Healthy is cleared by the circuit breaker when the device exhausts a
	// deployment's failure budget. Only an operator sets it back.
	Healthy bool `json:"healthy"`

	LastCommunication *time.Time `json:"last_communication,omitempty"`

	// LockVersion is bumped on every write and checked by UpdateDevice.
	LockVersion int        `json:"lock_version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Clone returns a copy that shares no slices or pointers with d.
func (d *Device) Clone() *Device {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	if d.Firmware != nil {
		fw := *d.Firmware
		c.Firmware = &fw
	}
	if d.LastCommunication != nil {
		t := *d.LastCommunication
		c.LastCommunication = &t
	}
	return &c
}

// NormalizeTags trims duplicates and sorts the tag set.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// DEPLOYMENT
// =============================================================================

// DeploymentConditions select which devices a deployment targets.
type DeploymentConditions struct {
	// Version is a semantic version requirement, e.g. ">= 1.0.0" or "~> 2.1".
	// Empty matches every version.
	Version string `json:"version"`

	// Tags must all be present on the device. Empty matches every device.
	Tags []string `json:"tags"`
}

// Deployment is a rollout policy: which devices of a product receive which firmware,
// and how many failed update attempts a device may accumulate before it is frozen out.
type Deployment struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	OrgID      string               `json:"org_id"`
	ProductID  string               `json:"product_id"`
	IsActive   bool                 `json:"is_active"`
	Healthy    bool                 `json:"healthy"`
	Conditions DeploymentConditions `json:"conditions"`
	FirmwareID string               `json:"firmware_id"`
	Firmware   *Firmware            `json:"firmware,omitempty"`

	// Failure budget
	DeviceFailureThreshold   int `json:"device_failure_threshold"`
	DeviceFailureRateAmount  int `json:"device_failure_rate_amount"`
	DeviceFailureRateSeconds int `json:"device_failure_rate_seconds"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// AUDIT
// =============================================================================

// Audit actor and resource kinds.
const (
	AuditTypeDeployment = "deployment"
	AuditTypeDevice     = "device"
	AuditTypeUser       = "user"
)

// Audit actions.
const (
	// AuditActionUpdate records an update pushed to a device by a deployment.
	AuditActionUpdate = "update"

	// AuditActionMarkedUnhealthy records a circuit breaker trip.
	AuditActionMarkedUnhealthy = "marked_unhealthy"

	// AuditActionHealthChanged records an operator changing a device's health flag.
	AuditActionHealthChanged = "health_changed"
)

// AuditEvent is an append-only record of something an actor did to a resource.
type AuditEvent struct {
	ID           string         `json:"id"`
	ActorType    string         `json:"actor_type"`
	ActorID      string         `json:"actor_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Action       string         `json:"action"`
	Params       map[string]any `json:"params,omitempty"`
	Description  string         `json:"description,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// =============================================================================
// UPDATE PAYLOAD
// =============================================================================

// UpdatePayload is the outcome of resolving updates for a device.
// It is constructed fresh for every resolution and never persisted.
type UpdatePayload struct {
	UpdateAvailable bool              `json:"update_available"`
	FirmwareURL     string            `json:"firmware_url,omitempty"`
	FirmwareMeta    *FirmwareMetadata `json:"firmware_meta,omitempty"`
	DeploymentID    string            `json:"deployment_id,omitempty"`
	Deployment      *Deployment       `json:"-"`
}

// NoUpdate is the payload returned whenever no update applies.
func NoUpdate() UpdatePayload {
	return UpdatePayload{UpdateAvailable: false}
}

// AuditFilter selects audit events. Empty fields match anything; Params
// matches events whose params contain every given key with an equal value.
type AuditFilter struct {
	ActorType    string         `json:"actor_type,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}
