// Package fake provides an in-memory driver. Power state is kept per node
// UUID; failures can be injected per operation.
package fake

import (
	"context"
	"sync"

	"github.com/imamik/bmconductor/internal/driver"
	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/states"
)

// Name is the driver name stored on nodes.
const Name = "fake"

// Operations that can fail.
const (
	OpValidate       = "validate"
	OpValidateDeploy = "validate_deploy"
	OpGetPowerState  = "get_power_state"
	OpSetPowerState  = "set_power_state"
	OpReboot         = "reboot"
	OpDeploy         = "deploy"
	OpTearDown       = "tear_down"
)

// Hardware is the simulated fleet behind the fake driver.
type Hardware struct {
	mu           sync.Mutex
	power        map[string]string
	failures     map[string]error
	calls        []string
	deployResult string

	// Block, when set, is received from before every state-changing call.
	Block chan struct{}
}

// NewHardware creates an empty fleet. Unknown nodes report power off.
func NewHardware() *Hardware {
	return &Hardware{
		power:    map[string]string{},
		failures: map[string]error{},
	}
}

// Driver returns a driver acting on h.
func (h *Hardware) Driver() *driver.Driver {
	return &driver.Driver{Name: Name, Power: (*power)(h), Deploy: (*deploy)(h)}
}

// SetPower sets the simulated power state of a node.
func (h *Hardware) SetPower(uuid, state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.power[uuid] = state
}

// Power returns the simulated power state of a node.
func (h *Hardware) Power(uuid string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.powerLocked(uuid)
}

func (h *Hardware) powerLocked(uuid string) string {
	if s, ok := h.power[uuid]; ok {
		return s
	}
	return states.PowerOff
}

// SetDeployResult sets the state Deploy reports; empty means states.Active.
func (h *Hardware) SetDeployResult(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deployResult = state
}

// Fail makes op return err until cleared with a nil err.
func (h *Hardware) Fail(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, op)
		return
	}
	h.failures[op] = err
}

// Calls returns the operations performed so far.
func (h *Hardware) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *Hardware) enter(op string, mutating bool) error {
	if mutating && h.Block != nil {
		<-h.Block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, op)
	return h.failures[op]
}

type power Hardware

func (p *power) hw() *Hardware { return (*Hardware)(p) }

func (p *power) Validate(_ context.Context, n *node.Node) error {
	return p.hw().enter(OpValidate, false)
}

func (p *power) GetPowerState(_ context.Context, n *node.Node) (string, error) {
	if err := p.hw().enter(OpGetPowerState, false); err != nil {
		return "", err
	}
	return p.hw().Power(n.UUID), nil
}

func (p *power) SetPowerState(_ context.Context, n *node.Node, state string) error {
	if err := p.hw().enter(OpSetPowerState, true); err != nil {
		return err
	}
	if state != states.PowerOn && state != states.PowerOff {
		return node.InvalidState(n.UUID, "fake driver cannot set power state %q", state)
	}
	p.hw().SetPower(n.UUID, state)
	return nil
}

func (p *power) Reboot(_ context.Context, n *node.Node) error {
	if err := p.hw().enter(OpReboot, true); err != nil {
		return err
	}
	p.hw().SetPower(n.UUID, states.PowerOn)
	return nil
}

type deploy Hardware

func (d *deploy) hw() *Hardware { return (*Hardware)(d) }

func (d *deploy) Validate(_ context.Context, n *node.Node) error {
	return d.hw().enter(OpValidateDeploy, false)
}

func (d *deploy) Deploy(_ context.Context, n *node.Node) (string, error) {
	if err := d.hw().enter(OpDeploy, true); err != nil {
		return "", err
	}
	h := d.hw()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.power[n.UUID] = states.PowerOn
	if h.deployResult != "" {
		return h.deployResult, nil
	}
	return states.Active, nil
}

func (d *deploy) TearDown(_ context.Context, n *node.Node) (string, error) {
	if err := d.hw().enter(OpTearDown, true); err != nil {
		return "", err
	}
	d.hw().SetPower(n.UUID, states.PowerOff)
	return states.NoState, nil
}
