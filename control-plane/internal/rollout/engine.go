package rollout

import (
	"context"
	"log/slog"

	"github.com/pilot-net/fwrollout/pkg/types"
)

// DeploymentLister loads the deployments a device could be targeted by.
type DeploymentLister interface {
	// ListDeployments returns every deployment for the org and product with
	// its target firmware loaded.
	ListDeployments(ctx context.Context, orgID, productID string) ([]*types.Deployment, error)
}

// Engine ties deployment loading, eligibility and resolution together.
type Engine struct {
	deployments DeploymentLister
	resolver    *Resolver
	logger      *slog.Logger
}

// NewEngine creates a rollout engine.
func NewEngine(deployments DeploymentLister, resolver *Resolver, logger *slog.Logger) *Engine {
	return &Engine{
		deployments: deployments,
		resolver:    resolver,
		logger:      logger.With("component", "rollout_engine"),
	}
}

// ResolveForDevice finds the update, if any, device should receive now.
func (e *Engine) ResolveForDevice(ctx context.Context, device *types.Device) types.UpdatePayload {
	if device.Firmware == nil {
		return types.NoUpdate()
	}

	candidates, err := e.deployments.ListDeployments(ctx, device.OrgID, device.ProductID)
	if err != nil {
		e.logger.Warn("listing deployments failed",
			"device_id", device.ID,
			"product_id", device.ProductID,
			"error", err,
		)
		return types.NoUpdate()
	}

	eligible := Eligible(device, candidates)
	if len(eligible) == 0 {
		return types.NoUpdate()
	}
	return e.resolver.Resolve(ctx, device, eligible...)
}
