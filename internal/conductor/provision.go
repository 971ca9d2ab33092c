package conductor

import (
	"context"
	"fmt"

	"github.com/imamik/bmconductor/internal/driver"
	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/states"
	"github.com/imamik/bmconductor/internal/transition"
)

// ChangeProvisionState starts a deploy (target active) or a tear down
// (target deleted).
func (c *Conductor) ChangeProvisionState(ctx context.Context, ident, target string, opts ...transition.Option) error {
	run := deploy
	if target == states.Deleted {
		run = tearDown
	}
	return c.start(ctx, request{
		ident:  ident,
		axis:   states.AxisProvision,
		target: target,
		opts:   opts,
		validate: func(ctx context.Context, d *driver.Driver, n *node.Node) error {
			if err := d.Deploy.Validate(ctx, n); err != nil {
				return &node.Error{Kind: node.KindInvalidState, Node: ident,
					Msg: "Failed to validate deploy info", Err: err}
			}
			return nil
		},
		run: run,
	})
}

func deploy(ctx context.Context, d *driver.Driver, n *node.Node) outcome {
	reached, err := d.Deploy.Deploy(ctx, n)
	if err != nil {
		reason := fmt.Sprintf("Failed to deploy. Error: %v", err)
		return outcome{set: transition.Finish(states.AxisProvision, states.DeployFail, reason), err: err}
	}
	if reached == states.DeployDone || reached == states.NoState {
		reached = states.Active
	}
	return outcome{set: transition.Finish(states.AxisProvision, reached, "")}
}

func tearDown(ctx context.Context, d *driver.Driver, n *node.Node) outcome {
	reached, err := d.Deploy.TearDown(ctx, n)
	if err != nil {
		reason := fmt.Sprintf("Failed to tear down. Error: %v", err)
		return outcome{set: transition.Finish(states.AxisProvision, states.Error, reason), err: err}
	}
	if reached == states.Deleted {
		reached = states.NoState
	}
	return outcome{set: transition.Finish(states.AxisProvision, reached, "")}
}
