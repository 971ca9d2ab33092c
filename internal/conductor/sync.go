package conductor

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/states"
	"github.com/imamik/bmconductor/internal/store"
	"github.com/imamik/bmconductor/internal/util/ptr"
)

// Run syncs power states every sync interval until ctx is done.
func (c *Conductor) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithValues("host", c.host)
	logger.Info("starting conductor", "drivers", c.drivers.Names(), "syncInterval", c.syncInterval)

	ticker := c.clock.Ticker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping conductor")
			return nil
		case <-ticker.C:
			if err := c.SyncPowerStates(ctx); err != nil {
				logger.Error(err, "power state sync failed")
			}
		}
	}
}

// SyncPowerStates compares the recorded power state of every unreserved
// node with the hardware. Nodes waiting for a deploy call-back are skipped,
// as are nodes another conductor reserves or deletes meanwhile.
func (c *Conductor) SyncPowerStates(ctx context.Context) error {
	nodes, err := c.store.ListNodes(ctx, store.Filter{Reserved: ptr.To(false)})
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	for _, n := range nodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n.ProvisionState == states.DeployWait {
			continue
		}
		c.syncPowerState(ctx, n.UUID)
	}
	return nil
}

func (c *Conductor) syncPowerState(ctx context.Context, ident string) {
	logger := log.FromContext(ctx).WithValues("node", ident)

	n, err := c.locks.Reserve(ctx, ident, c.host)
	switch {
	case node.IsKind(err, node.KindLocked):
		logger.V(1).Info("node already locked by another process, skipping")
		return
	case node.IsKind(err, node.KindNotFound):
		logger.V(1).Info("node not found, presumed deleted")
		return
	case err != nil:
		logger.Error(err, "failed to reserve node for power sync")
		return
	}
	defer c.release(ctx, ident)

	d, err := c.drivers.For(n)
	if err != nil {
		logger.Error(err, "cannot sync power state")
		return
	}
	actual, err := d.Power.GetPowerState(ctx, n)
	if err != nil {
		logger.V(1).Info("could not get power state", "error", err.Error())
		return
	}

	if n.PowerState == states.NoState {
		logger.Info("no power state recorded, updating", "state", actual)
		c.update(ctx, ident, node.Fields{node.FieldPowerState: actual})
		return
	}
	if actual == n.PowerState {
		return
	}

	if c.forcePowerStateDuringSync && (n.PowerState == states.PowerOn || n.PowerState == states.PowerOff) {
		logger.Info("power state out of sync, setting the hardware state", "recorded", n.PowerState, "actual", actual)
		if err := d.Power.SetPowerState(ctx, n, n.PowerState); err != nil {
			logger.Error(err, "failed to force power state", "state", n.PowerState)
			c.update(ctx, ident, node.Fields{node.FieldLastError: fmt.Sprintf(
				"Failed to change power state to '%s'. Error: %v", n.PowerState, err)})
		}
		return
	}
	logger.Info("power state out of sync, updating the recorded state", "recorded", n.PowerState, "actual", actual)
	c.update(ctx, ident, node.Fields{node.FieldPowerState: actual})
}
