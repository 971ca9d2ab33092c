// Package driver defines the hardware interfaces the conductor acts through.
//
// A Driver bundles a power interface and a deploy interface. Drivers are
// looked up by the name stored in a node's driver column.
package driver

import (
	"context"
	"fmt"
	"sort"

	"github.com/imamik/bmconductor/internal/node"
)

// PowerInterface controls a node's power.
type PowerInterface interface {
	// Validate checks that the node carries what the driver needs.
	Validate(ctx context.Context, n *node.Node) error
	// GetPowerState reads the power state from the hardware.
	GetPowerState(ctx context.Context, n *node.Node) (string, error)
	// SetPowerState switches the node to states.PowerOn or states.PowerOff.
	SetPowerState(ctx context.Context, n *node.Node, state string) error
	// Reboot power cycles the node. It ends powered on.
	Reboot(ctx context.Context, n *node.Node) error
}

// DeployInterface puts an image on a node and removes it again.
type DeployInterface interface {
	Validate(ctx context.Context, n *node.Node) error
	// Deploy returns the provision state reached: states.Active, or
	// states.DeployWait when completion is signalled later.
	Deploy(ctx context.Context, n *node.Node) (string, error)
	// TearDown returns the provision state reached, normally states.NoState.
	TearDown(ctx context.Context, n *node.Node) (string, error)
}

// Driver is a named set of interfaces.
type Driver struct {
	Name   string
	Power  PowerInterface
	Deploy DeployInterface
}

// Registry maps driver names to drivers.
type Registry struct {
	drivers map[string]*Driver
}

// NewRegistry creates a registry holding drivers.
func NewRegistry(drivers ...*Driver) *Registry {
	r := &Registry{drivers: make(map[string]*Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Name] = d
	}
	return r
}

// Register adds or replaces a driver.
func (r *Registry) Register(d *Driver) {
	r.drivers[d.Name] = d
}

// For returns the driver of n.
func (r *Registry) For(n *node.Node) (*Driver, error) {
	d, ok := r.drivers[n.Driver]
	if !ok {
		return nil, node.InvalidState(n.UUID, "node %s uses unknown driver %q", n.UUID, n.Driver)
	}
	return d, nil
}

// Names returns the registered driver names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String implements fmt.Stringer.
func (r *Registry) String() string {
	return fmt.Sprintf("drivers%v", r.Names())
}
