// Package states holds the power and provisioning state vocabulary of a
// node. The empty string is "no state".
package states

import "slices"

// NoState marks a state column that holds no value.
const NoState = ""

// Power states.
const (
	PowerOn   = "power on"
	PowerOff  = "power off"
	Rebooting = "rebooting"
	// Reboot is accepted as a requested target only; the node ends in PowerOn.
	Reboot = "reboot"
	Error  = "error"
)

// Provision states.
const (
	Deploying  = "deploying"
	DeployWait = "wait call-back"
	DeployDone = "deploy complete"
	DeployFail = "deploy failed"
	Active     = "active"
	Deleting   = "deleting"
	Deleted    = "deleted"
)

// Axis names one of the two independent transition axes.
type Axis string

const (
	AxisPower     Axis = "power"
	AxisProvision Axis = "provision"
)

var (
	powerTargets     = []string{PowerOn, PowerOff, Reboot}
	provisionTargets = []string{Active, Deleted}

	// TearDownFrom lists the provision states a tear down may start from.
	TearDownFrom = []string{Active, DeployFail, Error, DeployWait}
)

// ValidTarget reports whether target may be requested on the axis.
func ValidTarget(axis Axis, target string) bool {
	switch axis {
	case AxisPower:
		return slices.Contains(powerTargets, target)
	case AxisProvision:
		return slices.Contains(provisionTargets, target)
	}
	return false
}

// ResolvePower maps a requested power target to the state the node ends in.
func ResolvePower(target string) string {
	if target == Reboot {
		return PowerOn
	}
	return target
}

// Display renders a state for messages.
func Display(s string) string {
	if s == NoState {
		return "None"
	}
	return s
}
