package rollout

import (
	"sort"

	"github.com/pilot-net/fwrollout/pkg/types"
)

// Eligible narrows candidates to the deployments that could update device,
// ordered by deployment ID.
//
// A deployment is eligible when it is active and healthy, belongs to the
// device's product, targets firmware built for the device's platform and
// architecture, would change the running firmware, and its conditions match.
func Eligible(device *types.Device, candidates []*types.Deployment) []*types.Deployment {
	if device.Firmware == nil {
		return nil
	}

	var eligible []*types.Deployment
	for _, d := range candidates {
		if d == nil || d.Firmware == nil {
			continue
		}
		if !d.IsActive || !d.Healthy {
			continue
		}
		if d.ProductID != device.ProductID {
			continue
		}
		if d.Firmware.Architecture != device.Firmware.Architecture ||
			d.Firmware.Platform != device.Firmware.Platform {
			continue
		}
		if d.Firmware.UUID == device.Firmware.UUID {
			continue
		}
		if !Matches(device, d) {
			continue
		}
		eligible = append(eligible, d)
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].ID < eligible[j].ID
	})
	return eligible
}
