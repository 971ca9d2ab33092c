// Package hcloud drives Hetzner Cloud servers through the resilient remote
// client. The server is named by driver_info["server_id"].
package hcloud

import (
	"context"
	"fmt"
	"strconv"

	"github.com/imamik/bmconductor/internal/driver"
	"github.com/imamik/bmconductor/internal/node"
	platform "github.com/imamik/bmconductor/internal/platform/hcloud"
	"github.com/imamik/bmconductor/internal/states"
)

// Name is the driver name stored on nodes.
const Name = "hcloud"

// ServerIDKey is the driver_info key holding the server id.
const ServerIDKey = "server_id"

// Caller invokes a backend capability by dotted path.
type Caller interface {
	Call(ctx context.Context, method string, args ...any) (any, error)
}

// New returns the hcloud driver.
func New(remote Caller) *driver.Driver {
	p := &power{remote: remote}
	return &driver.Driver{
		Name:   Name,
		Power:  p,
		Deploy: &deploy{remote: remote, power: p},
	}
}

func serverID(n *node.Node) (int64, error) {
	raw, ok := n.DriverInfo[ServerIDKey]
	if !ok || raw == "" {
		return 0, node.InvalidState(n.UUID, "node %s is missing driver_info %s", n.UUID, ServerIDKey)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, node.InvalidState(n.UUID, "node %s has invalid driver_info %s %q", n.UUID, ServerIDKey, raw)
	}
	return id, nil
}

// powerStateOf maps an hcloud server status to a power state.
func powerStateOf(status string) string {
	switch status {
	case "running", "starting":
		return states.PowerOn
	case "off", "stopping":
		return states.PowerOff
	}
	return states.Error
}

type power struct {
	remote Caller
}

func (p *power) Validate(_ context.Context, n *node.Node) error {
	_, err := serverID(n)
	return err
}

func (p *power) GetPowerState(ctx context.Context, n *node.Node) (string, error) {
	id, err := serverID(n)
	if err != nil {
		return "", err
	}
	res, err := p.remote.Call(ctx, "server.get", id)
	if err != nil {
		return "", err
	}
	server, ok := res.(*platform.Server)
	if !ok {
		return "", fmt.Errorf("unexpected server.get result %T", res)
	}
	return powerStateOf(server.Status), nil
}

func (p *power) SetPowerState(ctx context.Context, n *node.Node, state string) error {
	id, err := serverID(n)
	if err != nil {
		return err
	}
	switch state {
	case states.PowerOn:
		_, err = p.remote.Call(ctx, "server.poweron", id)
	case states.PowerOff:
		_, err = p.remote.Call(ctx, "server.poweroff", id)
	default:
		return node.InvalidState(n.UUID, "hcloud driver cannot set power state %q", state)
	}
	return err
}

func (p *power) Reboot(ctx context.Context, n *node.Node) error {
	id, err := serverID(n)
	if err != nil {
		return err
	}
	_, err = p.remote.Call(ctx, "server.reset", id)
	return err
}

type deploy struct {
	remote Caller
	power  *power
}

func (d *deploy) Validate(ctx context.Context, n *node.Node) error {
	return d.power.Validate(ctx, n)
}

// Deploy boots the server into the rescue system, from which the image is
// written. A running server is reset, a stopped one powered on.
func (d *deploy) Deploy(ctx context.Context, n *node.Node) (string, error) {
	id, err := serverID(n)
	if err != nil {
		return "", err
	}
	if _, err := d.remote.Call(ctx, "server.enable_rescue", id); err != nil {
		return "", err
	}

	current, err := d.power.GetPowerState(ctx, n)
	if err != nil {
		return "", err
	}
	if current == states.PowerOn {
		_, err = d.remote.Call(ctx, "server.reset", id)
	} else {
		_, err = d.remote.Call(ctx, "server.poweron", id)
	}
	if err != nil {
		return "", err
	}
	return states.Active, nil
}

// TearDown powers the server off and leaves rescue mode.
func (d *deploy) TearDown(ctx context.Context, n *node.Node) (string, error) {
	id, err := serverID(n)
	if err != nil {
		return "", err
	}
	if _, err := d.remote.Call(ctx, "server.poweroff", id); err != nil {
		return "", err
	}
	if _, err := d.remote.Call(ctx, "server.disable_rescue", id); err != nil {
		return "", err
	}
	return states.NoState, nil
}
