// Package commands defines the CLI command structure and flag bindings.
//
// This package contains cobra command definitions that handle argument parsing,
// flag binding, and validation. Command execution is delegated to handler
// functions in the handlers package.
package commands

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	debug      bool
}

// Root returns the root command for the bmconductor CLI.
func Root() *cobra.Command {
	opts := &globalOptions{}
	zapOpts := zap.Options{
		Development: os.Getenv("DEBUG") == "true",
		TimeEncoder: zapcore.RFC3339TimeEncoder,
	}

	cmd := &cobra.Command{
		Use:   "bmconductor",
		Short: "Manage the power and provisioning state of bare metal nodes",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.debug {
				zapOpts.Development = true
			}
			log.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to configuration file (default: environment variables only)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable development logging")

	zapFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	zapOpts.BindFlags(zapFlags)
	cmd.PersistentFlags().AddGoFlagSet(zapFlags)

	cmd.AddCommand(Serve(opts))
	cmd.AddCommand(Node(opts))
	cmd.AddCommand(Version())

	return cmd
}
