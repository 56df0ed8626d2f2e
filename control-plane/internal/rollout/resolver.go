package rollout

import (
	"context"
	"log/slog"

	"github.com/pilot-net/fwrollout/control-plane/internal/metrics"
	"github.com/pilot-net/fwrollout/pkg/types"
)

// FirmwareCatalog resolves firmware records and their delivery URLs.
type FirmwareCatalog interface {
	// LookupByProductAndUUID returns nil, nil when no such firmware exists.
	LookupByProductAndUUID(ctx context.Context, productID, uuid string) (*types.Firmware, error)

	// DeliveryURL returns a URL the device can fetch target from. source is
	// the firmware the device currently runs, or nil for a full image.
	DeliveryURL(ctx context.Context, source, target *types.Firmware, toolVersion, productID string) (string, error)

	// PublicMetadata returns the metadata snapshot sent to devices.
	PublicMetadata(ctx context.Context, firmware *types.Firmware) (*types.FirmwareMetadata, error)
}

// Resolver turns a device and its candidate deployments into an UpdatePayload.
type Resolver struct {
	breaker *Breaker
	catalog FirmwareCatalog
	logger  *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(breaker *Breaker, catalog FirmwareCatalog, logger *slog.Logger) *Resolver {
	return &Resolver{
		breaker: breaker,
		catalog: catalog,
		logger:  logger.With("component", "resolver"),
	}
}

// resolution is the state threaded through the resolution steps.
type resolution struct {
	device      *types.Device
	candidates  []*types.Deployment
	deployment  *types.Deployment
	source      *types.Firmware
	firmwareURL string
	meta        *types.FirmwareMetadata
}

// step is one stage of the pipeline. Returning false ends resolution with no update.
type step struct {
	name string
	run  func(ctx context.Context, res *resolution) bool
}

func (r *Resolver) pipeline() []step {
	return []step{
		{"select_deployment", r.selectDeployment},
		{"deployment_healthy", r.deploymentHealthy},
		{"firmware_metadata", r.hasFirmwareMetadata},
		{"circuit_breaker", r.checkBreaker},
		{"rematch", r.rematch},
		{"source_firmware", r.lookupSource},
		{"delivery", r.buildDelivery},
	}
}

// Resolve decides whether device should be updated by the first of deployments.
// Only the first deployment is considered; callers rank candidates with Eligible.
//
// Every failure, including catalog errors, collapses to types.NoUpdate().
// The only side effect is a possible circuit breaker trip.
func (r *Resolver) Resolve(ctx context.Context, device *types.Device, deployments ...*types.Deployment) types.UpdatePayload {
	res := &resolution{device: device, candidates: deployments}

	for _, s := range r.pipeline() {
		if !s.run(ctx, res) {
			r.logger.Debug("no update available",
				"device_id", device.ID,
				"step", s.name,
			)
			metrics.ResolutionsTotal.WithLabelValues(s.name).Inc()
			return types.NoUpdate()
		}
	}

	metrics.ResolutionsTotal.WithLabelValues("update_available").Inc()
	return types.UpdatePayload{
		UpdateAvailable: true,
		FirmwareURL:     res.firmwareURL,
		FirmwareMeta:    res.meta,
		Deployment:      res.deployment,
		DeploymentID:    res.deployment.ID,
	}
}

func (r *Resolver) selectDeployment(_ context.Context, res *resolution) bool {
	if len(res.candidates) == 0 || res.candidates[0] == nil {
		return false
	}
	res.deployment = res.candidates[0]
	return res.deployment.Firmware != nil
}

func (r *Resolver) deploymentHealthy(_ context.Context, res *resolution) bool {
	return res.deployment.Healthy
}

func (r *Resolver) hasFirmwareMetadata(_ context.Context, res *resolution) bool {
	return res.device.Firmware != nil
}

func (r *Resolver) checkBreaker(ctx context.Context, res *resolution) bool {
	device, err := r.breaker.Evaluate(ctx, res.device, res.deployment)
	if err != nil {
		r.logger.Warn("circuit breaker evaluation failed",
			"device_id", res.device.ID,
			"deployment_id", res.deployment.ID,
			"error", err,
		)
		return false
	}
	res.device = device
	return device.Healthy
}

func (r *Resolver) rematch(_ context.Context, res *resolution) bool {
	return Matches(res.device, res.deployment)
}

func (r *Resolver) lookupSource(ctx context.Context, res *resolution) bool {
	source, err := r.catalog.LookupByProductAndUUID(ctx, res.deployment.ProductID, res.device.Firmware.UUID)
	if err != nil {
		r.logger.Warn("source firmware lookup failed",
			"device_id", res.device.ID,
			"firmware_uuid", res.device.Firmware.UUID,
			"error", err,
		)
		return false
	}
	// A nil source means a full image rather than a delta.
	res.source = source
	return true
}

func (r *Resolver) buildDelivery(ctx context.Context, res *resolution) bool {
	target := res.deployment.Firmware

	url, err := r.catalog.DeliveryURL(ctx, res.source, target, res.device.Firmware.FwupVersion, res.deployment.ProductID)
	if err != nil {
		r.logger.Warn("building firmware url failed",
			"device_id", res.device.ID,
			"firmware_uuid", target.UUID,
			"error", err,
		)
		return false
	}

	meta, err := r.catalog.PublicMetadata(ctx, target)
	if err != nil {
		r.logger.Warn("loading firmware metadata failed",
			"firmware_uuid", target.UUID,
			"error", err,
		)
		return false
	}

	res.firmwareURL = url
	res.meta = meta
	return true
}
