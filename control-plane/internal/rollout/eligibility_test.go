package rollout

import (
	"testing"

	"github.com/pilot-net/fwrollout/control-plane/internal/testutil"
	"github.com/pilot-net/fwrollout/pkg/types"
)

func TestEligible(t *testing.T) {
	device := testutil.FixtureDevice(func(d *types.Device) {
		d.Tags = []string{"production", "eu"}
	})

	tests := []struct {
		name       string
		deployment *types.Deployment
		want       bool
	}{
		{
			name:       "default deployment",
			deployment: testutil.FixtureDeployment(),
			want:       true,
		},
		{
			name:       "inactive",
			deployment: testutil.FixtureDeploymentInactive(),
			want:       false,
		},
		{
			name: "unhealthy",
			deployment: testutil.FixtureDeployment(func(d *types.Deployment) {
				d.Healthy = false
			}),
			want: false,
		},
		{
			name: "other product",
			deployment: testutil.FixtureDeployment(func(d *types.Deployment) {
				d.ProductID = "other"
			}),
			want: false,
		},
		{
			name: "other architecture",
			deployment: testutil.FixtureDeployment(func(d *types.Deployment) {
				d.Firmware.Architecture = "x86_64"
			}),
			want: false,
		},
		{
			name: "other platform",
			deployment: testutil.FixtureDeployment(func(d *types.Deployment) {
				d.Firmware.Platform = "bbb"
			}),
			want: false,
		},
		{
			name: "same firmware",
			deployment: testutil.FixtureDeployment(func(d *types.Deployment) {
				d.Firmware.UUID = device.Firmware.UUID
			}),
			want: false,
		},
		{
			name: "tag conditions met",
			deployment: testutil.FixtureDeployment(func(d *types.Deployment) {
				d.Conditions.Tags = []string{"eu"}
			}),
			want: true,
		},
		{
			name: "tag conditions not met",
			deployment: testutil.FixtureDeployment(func(d *types.Deployment) {
				d.Conditions.Tags = []string{"us"}
			}),
			want: false,
		},
		{
			name: "version conditions not met",
			deployment: testutil.FixtureDeployment(func(d *types.Deployment) {
				d.Conditions.Version = ">= 1.1.0"
			}),
			want: false,
		},
		{
			name: "no firmware loaded",
			deployment: testutil.FixtureDeployment(func(d *types.Deployment) {
				d.Firmware = nil
			}),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Eligible(device, []*types.Deployment{tt.deployment})
			if (len(got) == 1) != tt.want {
				t.Errorf("expected eligible=%v, got %d deployments", tt.want, len(got))
			}
		})
	}
}

func TestEligibleNoMetadata(t *testing.T) {
	device := testutil.FixtureDeviceUnreported()
	got := Eligible(device, []*types.Deployment{testutil.FixtureDeployment()})
	if len(got) != 0 {
		t.Errorf("expected no eligible deployments, got %d", len(got))
	}
}

func TestEligibleOrdering(t *testing.T) {
	device := testutil.FixtureDevice()
	c := testutil.FixtureDeployment(func(d *types.Deployment) { d.ID = "c" })
	a := testutil.FixtureDeployment(func(d *types.Deployment) { d.ID = "a" })
	skip := testutil.FixtureDeploymentInactive(func(d *types.Deployment) { d.ID = "0" })
	b := testutil.FixtureDeployment(func(d *types.Deployment) { d.ID = "b" })

	got := Eligible(device, []*types.Deployment{c, a, skip, nil, b})
	if len(got) != 3 {
		t.Fatalf("expected 3 eligible deployments, got %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, got[i].ID)
		}
	}
}
