package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/fwrollout/pkg/types"
)

// =============================================================================
// FIRMWARE
// =============================================================================

const firmwareColumns = `
	f.id, f.uuid, f.product_id, f.product_name, f.platform, f.architecture,
	f.version, f.author, f.description, f.vcs_identifier, f.size, f.storage_key, f.created_at`

// GetFirmwareByProductAndUUID looks up a firmware build by product and uuid.
func (s *Store) GetFirmwareByProductAndUUID(ctx context.Context, productID, uuid string) (*types.Firmware, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+firmwareColumns+`
		FROM firmwares f
		WHERE f.product_id = $1 AND f.uuid = $2
	`, productID, uuid)

	var fw types.Firmware
	err := row.Scan(firmwareDest(&fw)...)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fw, nil
}

func firmwareDest(fw *types.Firmware) []any {
	return []any{
		&fw.ID, &fw.UUID, &fw.ProductID, &fw.ProductName, &fw.Platform, &fw.Architecture,
		&fw.Version, &fw.Author, &fw.Description, &fw.VCSIdentifier, &fw.Size, &fw.StorageKey, &fw.CreatedAt,
	}
}

// =============================================================================
// DEPLOYMENTS
// =============================================================================

// ListDeployments returns every deployment of an org's product with its
// target firmware loaded, ordered by ID.
func (s *Store) ListDeployments(ctx context.Context, orgID, productID string) ([]*types.Deployment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			d.id, d.name, d.org_id, d.product_id, d.is_active, d.healthy, d.conditions,
			d.firmware_id, d.device_failure_threshold, d.device_failure_rate_amount,
			d.device_failure_rate_seconds, d.created_at, d.updated_at,
			`+firmwareColumns+`
		FROM deployments d
		JOIN firmwares f ON f.id = d.firmware_id
		WHERE d.org_id = $1 AND d.product_id = $2
		ORDER BY d.id
	`, orgID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []*types.Deployment
	for rows.Next() {
		var d types.Deployment
		var fw types.Firmware
		var conditionsJSON []byte

		dest := []any{
			&d.ID, &d.Name, &d.OrgID, &d.ProductID, &d.IsActive, &d.Healthy, &conditionsJSON,
			&d.FirmwareID, &d.DeviceFailureThreshold, &d.DeviceFailureRateAmount,
			&d.DeviceFailureRateSeconds, &d.CreatedAt, &d.UpdatedAt,
		}
		if err := rows.Scan(append(dest, firmwareDest(&fw)...)...); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(conditionsJSON, &d.Conditions); err != nil {
			return nil, fmt.Errorf("decoding conditions for deployment %s: %w", d.ID, err)
		}
		d.Firmware = &fw
		deployments = append(deployments, &d)
	}
	return deployments, rows.Err()
}
