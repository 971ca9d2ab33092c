package conductor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/states"
	"github.com/imamik/bmconductor/internal/store"
	"github.com/imamik/bmconductor/internal/transition"
)

// idle is the predicate shared by operations that must not overlap a
// transition.
func (c *Conductor) idle() node.Fields {
	return node.Fields{
		node.FieldReservation:          c.host,
		node.FieldTargetPowerState:     "",
		node.FieldTargetProvisionState: "",
	}
}

// DestroyNode deletes a node and its ports. Associated nodes and nodes with
// a transition in flight are refused.
func (c *Conductor) DestroyNode(ctx context.Context, ident string) error {
	n, err := c.store.GetNode(ctx, ident)
	if err != nil {
		return err
	}
	if err := transition.CheckDestroy(n); err != nil {
		return err
	}
	if _, err := c.locks.Reserve(ctx, ident, c.host); err != nil {
		return err
	}

	expected := c.idle()
	expected[node.FieldInstanceUUID] = ""
	err = c.store.DeleteNode(ctx, ident, expected)
	if err == nil {
		log.FromContext(ctx).Info("deleted node", "node", n.UUID)
		return nil
	}

	c.release(ctx, ident)
	if !errors.Is(err, store.ErrPredicateFailed) {
		return fmt.Errorf("failed to delete node %s: %w", ident, err)
	}
	cur, gerr := c.store.GetNode(ctx, ident)
	if gerr != nil {
		return gerr
	}
	if cerr := transition.CheckDestroy(cur); cerr != nil {
		return cerr
	}
	return node.TransitionConflict(ident, "node %s changed while being deleted", ident)
}

// AssociateInstance records instance as the workload on the node. A
// non-empty instance requires the node to be powered off; an empty one
// disassociates. The power state is read while the node is reserved.
func (c *Conductor) AssociateInstance(ctx context.Context, ident, instance string) (*node.Node, error) {
	if instance != "" {
		u, err := uuid.Parse(instance)
		if err != nil {
			return nil, node.InvalidState(ident, "invalid instance uuid %q", instance)
		}
		instance = u.String()
	}

	return c.locked(ctx, ident, func(n *node.Node) error {
		if n.Busy() {
			return node.TransitionConflict(ident,
				"node %s cannot change its instance while a transition is in flight", ident)
		}
		if instance != "" {
			if n.InstanceUUID != "" && n.InstanceUUID != instance {
				return node.Associated(ident, n.InstanceUUID)
			}
			d, err := c.drivers.For(n)
			if err != nil {
				return err
			}
			power, err := d.Power.GetPowerState(ctx, n)
			if err != nil {
				return fmt.Errorf("failed to get power state of node %s: %w", ident, err)
			}
			if power != states.PowerOff {
				return node.TransitionConflict(ident,
					"node %s is in the wrong power state %s to be associated", ident, states.Display(power))
			}
		}

		_, err := c.store.AtomicUpdate(ctx, ident, c.idle(), node.Fields{node.FieldInstanceUUID: instance})
		if errors.Is(err, store.ErrPredicateFailed) {
			return node.TransitionConflict(ident, "node %s started a transition", ident)
		}
		return err
	})
}

// SetMaintenance turns maintenance mode on or off. Turning it off clears
// the reason.
func (c *Conductor) SetMaintenance(ctx context.Context, ident string, on bool, reason string) (*node.Node, error) {
	if !on {
		reason = ""
	}
	n, err := c.store.AtomicUpdate(ctx, ident,
		node.Fields{node.FieldMaintenance: !on},
		node.Fields{node.FieldMaintenance: on, node.FieldMaintenanceReason: reason})
	if err == nil {
		log.FromContext(ctx).Info("changed maintenance mode", "node", n.UUID, "maintenance", on)
		return n, nil
	}
	if !errors.Is(err, store.ErrPredicateFailed) {
		return nil, err
	}
	if on {
		return nil, node.InvalidState(ident, "The node is already in maintenance mode")
	}
	return nil, node.InvalidState(ident, "The node is not in maintenance mode")
}

// locked runs fn on the reserved node while this conductor holds it, then
// returns the node as stored after release.
func (c *Conductor) locked(ctx context.Context, ident string, fn func(n *node.Node) error) (*node.Node, error) {
	n, err := c.locks.Reserve(ctx, ident, c.host)
	if err != nil {
		return nil, err
	}
	err = fn(n)
	c.release(ctx, ident)
	if err != nil {
		return nil, err
	}
	return c.store.GetNode(ctx, ident)
}
