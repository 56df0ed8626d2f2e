package store

import (
	"testing"
	"time"

	"github.com/pilot-net/fwrollout/pkg/types"
)

func TestAuditWhere(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		filter    types.AuditFilter
		since     *time.Time
		wantWhere string
		wantArgs  []any
	}{
		{
			name:      "empty filter",
			wantWhere: "TRUE",
		},
		{
			name: "resource only",
			filter: types.AuditFilter{
				ResourceType: types.AuditTypeDevice,
				ResourceID:   "dev-1",
			},
			wantWhere: "TRUE AND resource_type = $1 AND resource_id = $2",
			wantArgs:  []any{"device", "dev-1"},
		},
		{
			name: "failure ledger query",
			filter: types.AuditFilter{
				ActorType:    types.AuditTypeDeployment,
				ActorID:      "dep-1",
				ResourceType: types.AuditTypeDevice,
				ResourceID:   "dev-1",
				Action:       types.AuditActionUpdate,
				Params:       map[string]any{"firmware_uuid": "fw-1", "send_update_message": true},
			},
			since: &since,
			wantWhere: "TRUE AND actor_type = $1 AND actor_id = $2 AND resource_type = $3 AND resource_id = $4" +
				" AND action = $5 AND params @> $6::jsonb AND inserted_at >= $7",
			wantArgs: []any{
				"deployment", "dep-1", "device", "dev-1", "update",
				`{"firmware_uuid":"fw-1","send_update_message":true}`,
				since,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args, err := auditWhere(tt.filter, tt.since)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if where != tt.wantWhere {
				t.Errorf("where:\n got: %s\nwant: %s", where, tt.wantWhere)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("args: got %d, want %d", len(args), len(tt.wantArgs))
			}
			for i := range args {
				if args[i] != tt.wantArgs[i] {
					t.Errorf("arg %d: got %v, want %v", i+1, args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestMarshalFirmwareMetadata(t *testing.T) {
	got, err := marshalFirmwareMetadata(nil)
	if err != nil || got != nil {
		t.Errorf("expected nil for missing metadata, got %v, %v", got, err)
	}

	got, err = marshalFirmwareMetadata(&types.FirmwareMetadata{UUID: "fw-1", Version: "1.0.0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, ok := got.(string)
	if !ok {
		t.Fatalf("expected JSON string, got %T", got)
	}
	if s == "" || s[0] != '{' {
		t.Errorf("expected JSON object, got %q", s)
	}
}

func TestDecodeAuditParams(t *testing.T) {
	params, err := decodeAuditParams([]byte(`{"firmware_uuid":"fw-2","send_update_message":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params["firmware_uuid"] != "fw-2" || params["send_update_message"] != true {
		t.Errorf("unexpected params %v", params)
	}

	params, err = decodeAuditParams(nil)
	if err != nil || params != nil {
		t.Errorf("expected nil params for NULL column, got %v, %v", params, err)
	}

	for _, bad := range []string{`{"firmware_uuid":`, `["not", "an", "object"]`} {
		if _, err := decodeAuditParams([]byte(bad)); err == nil {
			t.Errorf("expected error decoding %q", bad)
		}
	}
}
