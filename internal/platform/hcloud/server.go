package hcloud

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/remote"
)

// Server is the subset of an hcloud server the conductor cares about.
type Server struct {
	ID            int64
	Name          string
	Status        string
	RescueEnabled bool
}

func toServer(s *hcloud.Server) *Server {
	return &Server{
		ID:            s.ID,
		Name:          s.Name,
		Status:        string(s.Status),
		RescueEnabled: s.RescueEnabled,
	}
}

// Backend performs server operations on one authenticated hcloud client.
type Backend struct {
	client        *hcloud.Client
	actionTimeout time.Duration
}

// NewBackend wraps client.
func NewBackend(client *hcloud.Client, actionTimeout time.Duration) *Backend {
	if actionTimeout <= 0 {
		actionTimeout = DefaultActionTimeout
	}
	return &Backend{client: client, actionTimeout: actionTimeout}
}

// Namespace publishes the backend's capabilities.
func (b *Backend) Namespace() remote.Namespace {
	return remote.Namespace{
		"server": remote.Namespace{
			"get":            remote.Method(b.getServer),
			"list":           remote.Method(b.listServers),
			"poweron":        b.serverAction("power on", b.client.Server.Poweron),
			"poweroff":       b.serverAction("power off", b.client.Server.Poweroff),
			"shutdown":       b.serverAction("shut down", b.client.Server.Shutdown),
			"reset":          b.serverAction("reset", b.client.Server.Reset),
			"enable_rescue":  remote.Method(b.enableRescue),
			"disable_rescue": b.serverAction("disable rescue on", b.client.Server.DisableRescue),
		},
	}
}

// serverID reads the server id from the first argument.
func serverID(args []any) (int64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("missing server id argument")
	}
	switch v := args[0].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid server id: %s", v)
		}
		return id, nil
	}
	return 0, fmt.Errorf("invalid server id argument of type %T", args[0])
}

func (b *Backend) getServer(ctx context.Context, args ...any) (any, error) {
	id, err := serverID(args)
	if err != nil {
		return nil, err
	}
	server, _, err := b.client.Server.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	if server == nil {
		return nil, &node.Error{Kind: node.KindFatal, Msg: fmt.Sprintf("server %d not found", id)}
	}
	return toServer(server), nil
}

func (b *Backend) listServers(ctx context.Context, _ ...any) (any, error) {
	servers, err := b.client.Server.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	out := make([]*Server, 0, len(servers))
	for _, s := range servers {
		out = append(out, toServer(s))
	}
	return out, nil
}

type actionFunc func(ctx context.Context, server *hcloud.Server) (*hcloud.Action, *hcloud.Response, error)

// serverAction adapts a single-action server call and waits for the action.
func (b *Backend) serverAction(verb string, fn actionFunc) remote.Method {
	return func(ctx context.Context, args ...any) (any, error) {
		id, err := serverID(args)
		if err != nil {
			return nil, err
		}
		action, _, err := fn(ctx, &hcloud.Server{ID: id})
		if err != nil {
			return nil, fmt.Errorf("failed to %s server %d: %w", verb, id, err)
		}
		if err := b.wait(ctx, action); err != nil {
			return nil, fmt.Errorf("failed to wait for %s of server %d: %w", verb, id, err)
		}
		return nil, nil
	}
}

// enableRescue boots the linux64 rescue system on next reset. Optional
// further arguments are SSH key ids. It returns the rescue root password.
func (b *Backend) enableRescue(ctx context.Context, args ...any) (any, error) {
	id, err := serverID(args)
	if err != nil {
		return nil, err
	}

	var sshKeys []*hcloud.SSHKey
	for _, arg := range args[1:] {
		kid, err := serverID([]any{arg})
		if err != nil {
			return nil, fmt.Errorf("invalid ssh key id: %w", err)
		}
		sshKeys = append(sshKeys, &hcloud.SSHKey{ID: kid})
	}

	result, _, err := b.client.Server.EnableRescue(ctx, &hcloud.Server{ID: id}, hcloud.ServerEnableRescueOpts{
		Type:    hcloud.ServerRescueTypeLinux64,
		SSHKeys: sshKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enable rescue: %w", err)
	}
	if err := b.wait(ctx, result.Action); err != nil {
		return nil, fmt.Errorf("failed to wait for rescue enable: %w", err)
	}
	return result.RootPassword, nil
}

func (b *Backend) wait(ctx context.Context, action *hcloud.Action) error {
	if action == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.actionTimeout)
	defer cancel()
	return b.client.Action.WaitFor(ctx, action)
}
