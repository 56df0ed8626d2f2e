package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/fwrollout/pkg/types"
)

// =============================================================================
// AUDIT LOG
// =============================================================================

// DefaultAuditLimit caps ListAudit when no limit is given.
const DefaultAuditLimit = 100

// AppendAudit inserts an audit event. Missing IDs and timestamps are filled in.
func (s *Store) AppendAudit(ctx context.Context, event *types.AuditEvent) error {
	return insertAudit(ctx, s.pool, event)
}

func insertAudit(ctx context.Context, db execer, event *types.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	params := event.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding audit params: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO audit_logs (
			id, actor_type, actor_id, resource_type, resource_id,
			action, params, description, inserted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		event.ID, event.ActorType, event.ActorID, event.ResourceType, event.ResourceID,
		event.Action, string(paramsJSON), event.Description, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// DistinctTimestamps returns the distinct timestamps of events matching
// filter, oldest first. When since is non-nil only events at or after since
// are considered.
func (s *Store) DistinctTimestamps(ctx context.Context, filter types.AuditFilter, since *time.Time) ([]time.Time, error) {
	where, args, err := auditWhere(filter, since)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT inserted_at FROM audit_logs
		WHERE `+where+`
		ORDER BY inserted_at
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timestamps []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		timestamps = append(timestamps, ts)
	}
	return timestamps, rows.Err()
}

// ListAudit returns matching audit events, newest first.
func (s *Store) ListAudit(ctx context.Context, filter types.AuditFilter, limit int) ([]types.AuditEvent, error) {
	where, args, err := auditWhere(filter, nil)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, actor_type, actor_id, resource_type, resource_id,
			action, params, description, inserted_at
		FROM audit_logs
		WHERE %s
		ORDER BY inserted_at DESC
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.AuditEvent
	for rows.Next() {
		var e types.AuditEvent
		var paramsJSON []byte
		if err := rows.Scan(
			&e.ID, &e.ActorType, &e.ActorID, &e.ResourceType, &e.ResourceID,
			&e.Action, &paramsJSON, &e.Description, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.Params, err = decodeAuditParams(paramsJSON); err != nil {
			return nil, fmt.Errorf("decoding params for audit event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// decodeAuditParams decodes the params column. NULL decodes to nil.
func decodeAuditParams(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// auditWhere builds the WHERE clause for filter. Params are matched with
// JSONB containment so the GIN index on params serves the query.
func auditWhere(filter types.AuditFilter, since *time.Time) (string, []any, error) {
	conds := []string{"TRUE"}
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if filter.ActorType != "" {
		add("actor_type", filter.ActorType)
	}
	if filter.ActorID != "" {
		add("actor_id", filter.ActorID)
	}
	if filter.ResourceType != "" {
		add("resource_type", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id", filter.ResourceID)
	}
	if filter.Action != "" {
		add("action", filter.Action)
	}
	if len(filter.Params) > 0 {
		paramsJSON, err := json.Marshal(filter.Params)
		if err != nil {
			return "", nil, fmt.Errorf("encoding audit filter params: %w", err)
		}
		args = append(args, string(paramsJSON))
		conds = append(conds, fmt.Sprintf("params @> $%d::jsonb", len(args)))
	}
	if since != nil {
		args = append(args, *since)
		conds = append(conds, fmt.Sprintf("inserted_at >= $%d", len(args)))
	}

	return strings.Join(conds, " AND "), args, nil
}
