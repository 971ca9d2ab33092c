package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imamik/bmconductor/cmd/bmconductor/handlers"
	"github.com/imamik/bmconductor/internal/states"
)

// Node returns the node command group. Every subcommand runs once against
// the configured store; power and provision changes wait for the result.
func Node(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect and change nodes",
	}

	cmd.AddCommand(nodeCreate(opts))
	cmd.AddCommand(nodeShow(opts))
	cmd.AddCommand(nodeValidate(opts))
	cmd.AddCommand(nodeReserve(opts))
	cmd.AddCommand(nodeRelease(opts))
	cmd.AddCommand(nodePower(opts))
	cmd.AddCommand(nodeProvision(opts))
	cmd.AddCommand(nodeMaintenance(opts))
	cmd.AddCommand(nodeAssociate(opts))
	cmd.AddCommand(nodeDelete(opts))

	return cmd
}

func nodeCreate(opts *globalOptions) *cobra.Command {
	var (
		create     handlers.CreateOptions
		driverInfo []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Enroll a node",
		Example: `  bmconductor node create --driver hcloud --driver-info server_id=4711 --port 52:54:00:12:34:56`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := parseDriverInfo(driverInfo)
			if err != nil {
				return err
			}
			create.DriverInfo = info
			return handlers.NodeCreate(cmd.Context(), opts.configPath, create)
		},
	}

	cmd.Flags().StringVar(&create.UUID, "uuid", "", "Node UUID (default: generated)")
	cmd.Flags().StringVar(&create.Driver, "driver", "hcloud", "Driver acting on the node")
	cmd.Flags().StringSliceVar(&driverInfo, "driver-info", nil, "Driver parameters as key=value")
	cmd.Flags().StringSliceVar(&create.Ports, "port", nil, "MAC address of a network interface")

	return cmd
}

func parseDriverInfo(pairs []string) (map[string]string, error) {
	info := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid driver info %q: expected key=value", pair)
		}
		info[k] = v
	}
	return info, nil
}

func nodeShow(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <node>",
		Short: "Show a node and its ports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodeShow(cmd.Context(), opts.configPath, args[0])
		},
	}
}

func nodeValidate(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <node>",
		Short: "Validate the driver interfaces of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodeValidate(cmd.Context(), opts.configPath, args[0])
		},
	}
}

func nodeReserve(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reserve <node>",
		Short: "Reserve a node for this conductor host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodeReserve(cmd.Context(), opts.configPath, args[0])
		},
	}
}

func nodeRelease(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <node>",
		Short: "Release a reservation held by this conductor host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodeRelease(cmd.Context(), opts.configPath, args[0])
		},
	}
}

func nodePower(opts *globalOptions) *cobra.Command {
	var allowMaintenance bool

	cmd := &cobra.Command{
		Use:       "power <node> <on|off|reboot>",
		Short:     "Change the power state of a node",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off", "reboot"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := powerTarget(args[1])
			if err != nil {
				return err
			}
			return handlers.NodePower(cmd.Context(), opts.configPath, args[0], target, allowMaintenance)
		},
	}
	cmd.Flags().BoolVar(&allowMaintenance, "allow-maintenance", false, "Proceed even if the node is in maintenance")

	return cmd
}

func powerTarget(arg string) (string, error) {
	switch arg {
	case "on", states.PowerOn:
		return states.PowerOn, nil
	case "off", states.PowerOff:
		return states.PowerOff, nil
	case states.Reboot:
		return states.Reboot, nil
	}
	return "", fmt.Errorf("invalid power target %q: must be on, off or reboot", arg)
}

func nodeProvision(opts *globalOptions) *cobra.Command {
	var allowMaintenance bool

	cmd := &cobra.Command{
		Use:   "provision <node> <deploy|teardown>",
		Short: "Deploy or tear down a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := provisionTarget(args[1])
			if err != nil {
				return err
			}
			return handlers.NodeProvision(cmd.Context(), opts.configPath, args[0], target, allowMaintenance)
		},
	}
	cmd.Flags().BoolVar(&allowMaintenance, "allow-maintenance", false, "Proceed even if the node is in maintenance")

	return cmd
}

func provisionTarget(arg string) (string, error) {
	switch arg {
	case "deploy", states.Active:
		return states.Active, nil
	case "teardown", states.Deleted:
		return states.Deleted, nil
	}
	return "", fmt.Errorf("invalid provision target %q: must be deploy or teardown", arg)
}

func nodeMaintenance(opts *globalOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "maintenance <node> <on|off>",
		Short: "Turn maintenance mode on or off",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[1] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("invalid maintenance mode %q: must be on or off", args[1])
			}
			return handlers.NodeMaintenance(cmd.Context(), opts.configPath, args[0], on, reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the node is in maintenance")

	return cmd
}

func nodeAssociate(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "associate <node> [instance-uuid]",
		Short: "Associate an instance with a node, or disassociate when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var instance string
			if len(args) == 2 {
				instance = args[1]
			}
			return handlers.NodeAssociate(cmd.Context(), opts.configPath, args[0], instance)
		},
	}
}

func nodeDelete(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <node>",
		Short: "Delete a node and its ports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodeDelete(cmd.Context(), opts.configPath, args[0])
		},
	}
}
