package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/transition"
)

// out receives command output. Replaced in tests.
var out io.Writer = os.Stdout

// NodeView is the printed form of a node.
type NodeView struct {
	*node.Node
	Ports []*node.Port `json:"ports,omitempty"`
}

// CreateOptions describes a node to enroll.
type CreateOptions struct {
	UUID       string
	Driver     string
	DriverInfo map[string]string
	// Ports are MAC addresses of the node's network interfaces.
	Ports []string
}

func withEnv(ctx context.Context, configPath string, fn func(*Env) error) error {
	env, err := Setup(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			log.Printf("Warning: failed to close store: %v", err)
		}
	}()
	return fn(env)
}

func printNode(ctx context.Context, env *Env, ident string) error {
	n, err := env.Store.GetNode(ctx, ident)
	if err != nil {
		return err
	}
	ports, err := env.Store.ListPorts(ctx, n.ID)
	if err != nil {
		return err
	}
	return printJSON(NodeView{Node: n, Ports: ports})
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// NodeCreate enrolls a node and its ports.
func NodeCreate(ctx context.Context, configPath string, opts CreateOptions) error {
	return withEnv(ctx, configPath, func(env *Env) error {
		n, err := env.Store.CreateNode(ctx, &node.Node{
			UUID:       opts.UUID,
			Driver:     opts.Driver,
			DriverInfo: opts.DriverInfo,
		})
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		for _, addr := range opts.Ports {
			if _, err := env.Store.CreatePort(ctx, &node.Port{NodeID: n.ID, Address: addr}); err != nil {
				return fmt.Errorf("failed to create port %s: %w", addr, err)
			}
		}
		log.Printf("Created node %s", n.UUID)
		return printNode(ctx, env, n.UUID)
	})
}

// NodeShow prints a node and its ports.
func NodeShow(ctx context.Context, configPath, ident string) error {
	return withEnv(ctx, configPath, func(env *Env) error {
		return printNode(ctx, env, ident)
	})
}

// NodeValidate prints the validation result of every driver interface of
// a node. It fails if any supported interface is invalid.
func NodeValidate(ctx context.Context, configPath, ident string) error {
	return withEnv(ctx, configPath, func(env *Env) error {
		results, err := env.Conductor.ValidateDriverInterfaces(ctx, ident)
		if err != nil {
			return err
		}
		if err := printJSON(results); err != nil {
			return err
		}
		for name, r := range results {
			if r.Supported && !r.Result {
				return fmt.Errorf("driver interface %s of node %s is invalid: %s", name, ident, r.Reason)
			}
		}
		return nil
	})
}

// NodeReserve reserves a node for the configured conductor host.
func NodeReserve(ctx context.Context, configPath, ident string) error {
	return withEnv(ctx, configPath, func(env *Env) error {
		if _, err := env.Conductor.Reserve(ctx, ident); err != nil {
			return err
		}
		log.Printf("Reserved node %s for %s", ident, env.Conductor.Host())
		return nil
	})
}

// NodeRelease releases a reservation held by the configured conductor host.
func NodeRelease(ctx context.Context, configPath, ident string) error {
	return withEnv(ctx, configPath, func(env *Env) error {
		if err := env.Conductor.Release(ctx, ident); err != nil {
			return err
		}
		log.Printf("Released node %s", ident)
		return nil
	})
}

// NodePower changes the power state of a node and waits for the result.
func NodePower(ctx context.Context, configPath, ident, target string, allowMaintenance bool) error {
	return withEnv(ctx, configPath, func(env *Env) error {
		err := env.Conductor.ChangePowerState(ctx, ident, target, transition.AllowMaintenance(allowMaintenance))
		if err != nil {
			return err
		}
		log.Printf("Changing power state of node %s to %s...", ident, target)
		return awaitTransition(ctx, env, ident)
	})
}

// NodeProvision deploys (active) or tears down (deleted) a node and waits
// for the result.
func NodeProvision(ctx context.Context, configPath, ident, target string, allowMaintenance bool) error {
	return withEnv(ctx, configPath, func(env *Env) error {
		err := env.Conductor.ChangeProvisionState(ctx, ident, target, transition.AllowMaintenance(allowMaintenance))
		if err != nil {
			return err
		}
		log.Printf("Moving node %s to provision state %s...", ident, target)
		return awaitTransition(ctx, env, ident)
	})
}

func awaitTransition(ctx context.Context, env *Env, ident string) error {
	env.Conductor.Wait()
	n, err := env.Store.GetNode(ctx, ident)
	if err != nil {
		return err
	}
	if err := printJSON(NodeView{Node: n}); err != nil {
		return err
	}
	if n.LastError != "" {
		return fmt.Errorf("transition failed: %s", n.LastError)
	}
	return nil
}

// NodeMaintenance turns maintenance mode on or off.
func NodeMaintenance(ctx context.Context, configPath, ident string, on bool, reason string) error {
	return withEnv(ctx, configPath, func(env *Env) error {
		n, err := env.Conductor.SetMaintenance(ctx, ident, on, reason)
		if err != nil {
			return err
		}
		return printJSON(NodeView{Node: n})
	})
}

// NodeAssociate associates an instance with a node. An empty instance
// disassociates.
func NodeAssociate(ctx context.Context, configPath, ident, instance string) error {
	return withEnv(ctx, configPath, func(env *Env) error {
		n, err := env.Conductor.AssociateInstance(ctx, ident, instance)
		if err != nil {
			return err
		}
		if instance == "" {
			log.Printf("Disassociated node %s", ident)
		} else {
			log.Printf("Associated node %s with instance %s", ident, instance)
		}
		return printJSON(NodeView{Node: n})
	})
}

// NodeDelete deletes a node and its ports.
func NodeDelete(ctx context.Context, configPath, ident string) error {
	return withEnv(ctx, configPath, func(env *Env) error {
		if err := env.Conductor.DestroyNode(ctx, ident); err != nil {
			return err
		}
		log.Printf("Deleted node %s", ident)
		return nil
	})
}
