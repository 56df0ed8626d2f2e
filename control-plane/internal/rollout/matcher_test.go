package rollout

import (
	"testing"

	"github.com/pilot-net/fwrollout/control-plane/internal/testutil"
	"github.com/pilot-net/fwrollout/pkg/types"
)

func TestVersionMatches(t *testing.T) {
	tests := []struct {
		name        string
		version     string
		requirement string
		want        bool
	}{
		{"empty requirement", "1.0.0", "", true},
		{"empty requirement with malformed version", "garbage", "", true},
		{"exact match", "1.2.3", "1.2.3", true},
		{"exact mismatch", "1.2.4", "= 1.2.3", false},
		{"greater or equal", "2.0.0", ">= 1.0.0", true},
		{"less than", "2.0.0", "< 2.0.0", false},
		{"range", "1.5.0", ">= 1.0.0, < 2.0.0", true},
		{"outside range", "2.1.0", ">= 1.0.0, < 2.0.0", false},
		{"caret", "1.9.9", "^1.2.0", true},
		{"caret major bump", "2.0.0", "^1.2.0", false},
		{"tilde", "1.2.9", "~1.2.0", true},
		{"tilde minor bump", "1.3.0", "~1.2.0", false},
		{"or", "3.0.0", "< 1.0.0 || >= 3.0.0", true},
		{"pessimistic minor", "2.9.0", "~> 2.1", true},
		{"pessimistic minor upper bound", "3.0.0", "~> 2.1", false},
		{"pessimistic minor lower bound", "2.0.9", "~> 2.1", false},
		{"pessimistic patch", "2.1.7", "~> 2.1.3", true},
		{"pessimistic patch upper bound", "2.2.0", "~> 2.1.3", false},
		{"pessimistic zero major", "0.9.0", "~> 0.2", true},
		{"double-equals exact", "1.2.3", "== 1.2.3", true},
		{"double-equals mismatch", "1.2.4", "== 1.2.3", false},
		{"double-equals without space", "1.2.3", "==1.2.3", true},
		{"pessimistic or double-equals", "2.0.0", "~> 1.2.3 or == 2.0.0", true},
		{"pessimistic or double-equals neither", "1.3.0", "~> 1.2.3 or == 2.0.0", false},
		{"and joiner", "1.5.0", ">= 1.0.0 and < 2.0.0", true},
		{"or joiner", "0.5.0", "< 1.0.0 or >= 3.0.0", true},
		{"malformed version", "1.0", ">= 1.0.0", false},
		{"empty version", "", ">= 1.0.0", false},
		{"malformed requirement", "1.0.0", ">>= what", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VersionMatches(tt.version, tt.requirement); got != tt.want {
				t.Errorf("VersionMatches(%q, %q) = %v, want %v", tt.version, tt.requirement, got, tt.want)
			}
		})
	}
}

func TestTagsMatch(t *testing.T) {
	tests := []struct {
		name     string
		device   []string
		required []string
		want     bool
	}{
		{"no required tags", []string{"a"}, nil, true},
		{"no tags at all", nil, nil, true},
		{"empty device, empty required", []string{}, []string{}, true},
		{"subset", []string{"a", "b", "c"}, []string{"a", "c"}, true},
		{"equal", []string{"a", "b"}, []string{"b", "a"}, true},
		{"missing one", []string{"a"}, []string{"a", "b"}, false},
		{"device has none", nil, []string{"a"}, false},
		{"case sensitive", []string{"Beta"}, []string{"beta"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TagsMatch(tt.device, tt.required); got != tt.want {
				t.Errorf("TagsMatch(%v, %v) = %v, want %v", tt.device, tt.required, got, tt.want)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	t.Run("requires both predicates", func(t *testing.T) {
		device := testutil.FixtureDevice(func(d *types.Device) {
			d.Tags = []string{"beta"}
			d.Firmware.Version = "1.4.0"
		})

		deployment := testutil.FixtureDeployment(func(d *types.Deployment) {
			d.Conditions = types.DeploymentConditions{Version: "~1.4.0", Tags: []string{"beta"}}
		})
		if !Matches(device, deployment) {
			t.Error("expected match")
		}

		deployment.Conditions.Tags = []string{"beta", "canary"}
		if Matches(device, deployment) {
			t.Error("expected tag mismatch")
		}

		deployment.Conditions = types.DeploymentConditions{Version: ">= 2.0.0", Tags: []string{"beta"}}
		if Matches(device, deployment) {
			t.Error("expected version mismatch")
		}
	})

	t.Run("no metadata only matches empty requirement", func(t *testing.T) {
		device := testutil.FixtureDeviceUnreported()
		deployment := testutil.FixtureDeployment()
		if !Matches(device, deployment) {
			t.Error("expected empty conditions to match")
		}
		deployment.Conditions.Version = ">= 0.0.0"
		if Matches(device, deployment) {
			t.Error("expected no match without a reported version")
		}
	})
}
