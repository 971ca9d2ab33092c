package conductor

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Interface names reported by ValidateDriverInterfaces.
const (
	InterfacePower  = "power"
	InterfaceDeploy = "deploy"
)

// InterfaceValidation is the outcome of validating one driver interface.
// Supported is false when the driver has no such interface.
type InterfaceValidation struct {
	Supported bool   `json:"supported"`
	Result    bool   `json:"result"`
	Reason    string `json:"reason,omitempty"`
}

// ValidateDriverInterfaces runs the Validate method of every interface of
// the node's driver. The node is not reserved; a failing interface is
// reported, not returned as an error.
func (c *Conductor) ValidateDriverInterfaces(ctx context.Context, ident string) (map[string]InterfaceValidation, error) {
	n, err := c.store.GetNode(ctx, ident)
	if err != nil {
		return nil, err
	}
	d, err := c.drivers.For(n)
	if err != nil {
		return nil, err
	}

	validators := map[string]func() error{}
	if d.Power != nil {
		validators[InterfacePower] = func() error { return d.Power.Validate(ctx, n) }
	}
	if d.Deploy != nil {
		validators[InterfaceDeploy] = func() error { return d.Deploy.Validate(ctx, n) }
	}

	results := make(map[string]InterfaceValidation, 2)
	for _, name := range []string{InterfacePower, InterfaceDeploy} {
		validate, ok := validators[name]
		if !ok {
			results[name] = InterfaceValidation{Reason: "not supported by driver " + d.Name}
			continue
		}
		if err := validate(); err != nil {
			log.FromContext(ctx).V(1).Info("driver interface validation failed",
				"node", n.UUID, "interface", name, "error", err.Error())
			results[name] = InterfaceValidation{Supported: true, Reason: err.Error()}
			continue
		}
		results[name] = InterfaceValidation{Supported: true, Result: true}
	}
	return results, nil
}
