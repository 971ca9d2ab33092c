// Package transition decides whether a requested power or provision change
// may start on a node, and describes the store updates that mark a node
// busy and roll it back.
//
// The checks run before any reservation or remote call is made, so a
// rejected request has no side effects.
package transition

import (
	"slices"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/states"
)

type checkOptions struct {
	allowMaintenance bool
}

// Option adjusts a check.
type Option func(*checkOptions)

// AllowMaintenance lets a request proceed while the node is in maintenance.
func AllowMaintenance(allow bool) Option {
	return func(o *checkOptions) {
		o.allowMaintenance = allow
	}
}

func buildOptions(opts []Option) checkOptions {
	var o checkOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// id names the node in error messages.
func id(n *node.Node) string {
	if n.UUID != "" {
		return n.UUID
	}
	return "unknown"
}

// Check validates a request to move n to target on axis.
func Check(n *node.Node, axis states.Axis, target string, opts ...Option) error {
	switch axis {
	case states.AxisPower:
		return CheckPower(n, target, opts...)
	case states.AxisProvision:
		return CheckProvision(n, target, opts...)
	}
	return node.InvalidState(id(n), "unknown transition axis %q", axis)
}

// CheckPower validates a power transition request.
func CheckPower(n *node.Node, target string, opts ...Option) error {
	if !states.ValidTarget(states.AxisPower, target) {
		return node.InvalidState(id(n), "%q is not a valid power state target", target)
	}
	if n.TargetPowerState != "" {
		return node.TransitionConflict(id(n),
			"node %s is already being transitioned to power state %s", id(n), n.TargetPowerState)
	}
	if n.TargetProvisionState != "" {
		return node.TransitionConflict(id(n),
			"node %s is being provisioned to %s", id(n), n.TargetProvisionState)
	}
	return CheckMaintenance(n, opts...)
}

// CheckProvision validates a provision transition request. Deploy
// (target active) starts from no state; tear down (target deleted) starts
// from one of states.TearDownFrom.
func CheckProvision(n *node.Node, target string, opts ...Option) error {
	if !states.ValidTarget(states.AxisProvision, target) {
		return node.InvalidState(id(n), "%q is not a valid provision state target", target)
	}
	if n.TargetProvisionState != "" {
		return node.TransitionConflict(id(n),
			"node %s is already being provisioned to %s", id(n), n.TargetProvisionState)
	}
	if n.TargetPowerState != "" {
		return node.TransitionConflict(id(n),
			"node %s is being transitioned to power state %s", id(n), n.TargetPowerState)
	}
	if err := CheckMaintenance(n, opts...); err != nil {
		return err
	}

	switch target {
	case states.Active:
		if n.ProvisionState != states.NoState {
			return node.InvalidState(id(n), "cannot deploy node %s in provision state %s",
				id(n), states.Display(n.ProvisionState))
		}
	case states.Deleted:
		if !slices.Contains(states.TearDownFrom, n.ProvisionState) {
			return node.InvalidState(id(n), "cannot tear down node %s in provision state %s",
				id(n), states.Display(n.ProvisionState))
		}
	}
	return nil
}

// CheckMaintenance rejects any request on a node in maintenance unless
// AllowMaintenance(true) is given.
func CheckMaintenance(n *node.Node, opts ...Option) error {
	if n.Maintenance && !buildOptions(opts).allowMaintenance {
		reason := n.MaintenanceReason
		if reason == "" {
			reason = "no reason given"
		}
		return node.InvalidState(id(n), "node %s is in maintenance mode (%s)", id(n), reason)
	}
	return nil
}

// CheckDestroy validates a delete request. Associated nodes and nodes with
// a transition in flight cannot be deleted.
func CheckDestroy(n *node.Node) error {
	if n.InstanceUUID != "" {
		return node.Associated(id(n), n.InstanceUUID)
	}
	if n.Busy() {
		return node.TransitionConflict(id(n),
			"node %s cannot be deleted while a transition is in flight", id(n))
	}
	return nil
}

// Begin returns the predicate and the values that mark n busy on axis.
// The predicate requires owner to hold the reservation and both targets to
// still be empty, so a concurrent request that passed Check loses. A
// reboot is recorded with its resulting state, power on.
func Begin(n *node.Node, owner string, axis states.Axis, target string) (expected, set node.Fields) {
	expected = node.Fields{
		node.FieldReservation:          owner,
		node.FieldTargetPowerState:     "",
		node.FieldTargetProvisionState: "",
	}
	set = node.Fields{node.FieldLastError: ""}

	switch axis {
	case states.AxisPower:
		set[node.FieldTargetPowerState] = states.ResolvePower(target)
	case states.AxisProvision:
		expected[node.FieldProvisionState] = n.ProvisionState
		set[node.FieldTargetProvisionState] = target
		if target == states.Active {
			set[node.FieldProvisionState] = states.Deploying
		} else {
			set[node.FieldProvisionState] = states.Deleting
		}
	}
	return expected, set
}

// Abort returns the values that undo Begin for a node observed as before,
// recording reason as the last error.
func Abort(before *node.Node, axis states.Axis, reason string) node.Fields {
	set := node.Fields{node.FieldLastError: reason}
	switch axis {
	case states.AxisPower:
		set[node.FieldTargetPowerState] = ""
	case states.AxisProvision:
		set[node.FieldTargetProvisionState] = ""
		set[node.FieldProvisionState] = before.ProvisionState
	}
	return set
}

// Finish returns the values that end a transition on axis in state final.
// A non-empty reason is recorded as the last error. An empty final power
// state leaves the recorded power state alone.
func Finish(axis states.Axis, final, reason string) node.Fields {
	set := node.Fields{node.FieldLastError: reason}
	switch axis {
	case states.AxisPower:
		set[node.FieldTargetPowerState] = ""
		if final != "" {
			set[node.FieldPowerState] = final
		}
	case states.AxisProvision:
		set[node.FieldTargetProvisionState] = ""
		set[node.FieldProvisionState] = final
	}
	return set
}
