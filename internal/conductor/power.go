package conductor

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/bmconductor/internal/driver"
	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/states"
	"github.com/imamik/bmconductor/internal/transition"
)

// ChangePowerState starts a power transition to target (power on, power
// off or reboot). It returns once the transition is running; the outcome
// is recorded on the node.
func (c *Conductor) ChangePowerState(ctx context.Context, ident, target string, opts ...transition.Option) error {
	return c.start(ctx, request{
		ident:  ident,
		axis:   states.AxisPower,
		target: target,
		opts:   opts,
		validate: func(ctx context.Context, d *driver.Driver, n *node.Node) error {
			if err := d.Power.Validate(ctx, n); err != nil {
				return &node.Error{Kind: node.KindInvalidState, Node: ident,
					Msg: "Failed to validate power driver interface", Err: err}
			}
			return nil
		},
		run: powerAction(target),
	})
}

func powerAction(target string) work {
	return func(ctx context.Context, d *driver.Driver, n *node.Node) outcome {
		resolved := states.ResolvePower(target)

		current, err := d.Power.GetPowerState(ctx, n)
		if err != nil {
			return powerFailure(target, err)
		}
		if current == resolved && target != states.Reboot {
			log.FromContext(ctx).Info("node already in target power state", "node", n.UUID, "state", current)
			return outcome{set: transition.Finish(states.AxisPower, current, "")}
		}

		if target == states.Reboot {
			err = d.Power.Reboot(ctx, n)
		} else {
			err = d.Power.SetPowerState(ctx, n, target)
		}
		if err != nil {
			return powerFailure(target, err)
		}
		return outcome{set: transition.Finish(states.AxisPower, resolved, "")}
	}
}

func powerFailure(target string, err error) outcome {
	reason := fmt.Sprintf("Failed to change power state to '%s'. Error: %v", states.ResolvePower(target), err)
	return outcome{set: transition.Finish(states.AxisPower, "", reason), err: err}
}

// GetPowerState reads the node's power state from the hardware. The node
// is not reserved.
func (c *Conductor) GetPowerState(ctx context.Context, ident string) (string, error) {
	n, err := c.store.GetNode(ctx, ident)
	if err != nil {
		return "", err
	}
	d, err := c.drivers.For(n)
	if err != nil {
		return "", err
	}
	state, err := d.Power.GetPowerState(ctx, n)
	if err != nil {
		return "", fmt.Errorf("failed to get power state of node %s: %w", ident, err)
	}
	return state, nil
}
