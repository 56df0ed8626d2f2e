package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/fwrollout/pkg/types"
)

// =============================================================================
// DEVICES
// =============================================================================

const deviceColumns = `
	id, identifier, org_id, product_id, tags, firmware_metadata, healthy,
	last_communication, lock_version, created_at, updated_at, deleted_at`

// GetDevice retrieves a device by ID. Soft-deleted devices are not returned.
func (s *Store) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices WHERE id = $1 AND deleted_at IS NULL
	`, id)
	return scanDevice(row)
}

// UpdateDevice writes device if its LockVersion still matches the stored row,
// appending events in the same transaction. It returns the stored device
// with the bumped lock version, nil if the device does not exist, or
// ErrStaleDevice if another write got there first.
func (s *Store) UpdateDevice(ctx context.Context, device *types.Device, events ...*types.AuditEvent) (*types.Device, error) {
	fwJSON, err := marshalFirmwareMetadata(device.Firmware)
	if err != nil {
		return nil, err
	}
	tags := device.Tags
	if tags == nil {
		tags = []string{}
	}

	var updated *types.Device
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE devices SET
				identifier = $3,
				tags = $4,
				firmware_metadata = $5,
				healthy = $6,
				last_communication = $7,
				lock_version = lock_version + 1,
				updated_at = NOW()
			WHERE id = $1 AND lock_version = $2 AND deleted_at IS NULL
			RETURNING `+deviceColumns,
			device.ID, device.LockVersion, device.Identifier, tags, fwJSON,
			device.Healthy, device.LastCommunication,
		)
		d, err := scanDevice(row)
		if err != nil {
			return fmt.Errorf("updating device: %w", err)
		}

		if d == nil {
			var exists bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM devices WHERE id = $1 AND deleted_at IS NULL)
			`, device.ID).Scan(&exists); err != nil {
				return fmt.Errorf("checking device: %w", err)
			}
			if exists {
				return ErrStaleDevice
			}
			return nil
		}

		for _, event := range events {
			if err := insertAudit(ctx, tx, event); err != nil {
				return err
			}
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SoftDeleteDevice marks a device deleted. It reports whether a live device was deleted.
func (s *Store) SoftDeleteDevice(ctx context.Context, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET deleted_at = NOW(), lock_version = lock_version + 1, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkDeviceUnhealthy clears a device's healthy flag and appends event in one
// transaction. The device row is locked first so concurrent callers queue
// behind each other; a caller that finds the device already unhealthy writes
// nothing and gets flipped == false.
func (s *Store) MarkDeviceUnhealthy(ctx context.Context, deviceID string, event *types.AuditEvent) (*types.Device, bool, error) {
	var (
		device  *types.Device
		flipped bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+deviceColumns+`
			FROM devices WHERE id = $1 AND deleted_at IS NULL
			FOR UPDATE
		`, deviceID)
		current, err := scanDevice(row)
		if err != nil {
			return fmt.Errorf("locking device: %w", err)
		}
		if current == nil || !current.Healthy {
			device = current
			return nil
		}

		row = tx.QueryRow(ctx, `
			UPDATE devices
			SET healthy = FALSE, lock_version = lock_version + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING `+deviceColumns, deviceID)
		device, err = scanDevice(row)
		if err != nil {
			return fmt.Errorf("marking device unhealthy: %w", err)
		}

		if err := insertAudit(ctx, tx, event); err != nil {
			return err
		}
		flipped = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return device, flipped, nil
}

func scanDevice(row pgx.Row) (*types.Device, error) {
	var d types.Device
	var fwJSON []byte
	err := row.Scan(
		&d.ID, &d.Identifier, &d.OrgID, &d.ProductID, &d.Tags, &fwJSON, &d.Healthy,
		&d.LastCommunication, &d.LockVersion, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(fwJSON) > 0 {
		var meta types.FirmwareMetadata
		if err := json.Unmarshal(fwJSON, &meta); err != nil {
			return nil, fmt.Errorf("decoding firmware metadata for device %s: %w", d.ID, err)
		}
		d.Firmware = &meta
	}
	return &d, nil
}

// marshalFirmwareMetadata encodes meta for a JSONB column; nil stays NULL.
func marshalFirmwareMetadata(meta *types.FirmwareMetadata) (any, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding firmware metadata: %w", err)
	}
	return string(b), nil
}
