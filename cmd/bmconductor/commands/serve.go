package commands

import (
	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/imamik/bmconductor/cmd/bmconductor/handlers"
)

// Serve returns the serve command.
func Serve(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conductor",
		Long: `Run the conductor until interrupted.

The conductor periodically compares the recorded power state of every
unreserved node with the hardware, and serves Prometheus metrics on
/metrics and a health check on /healthz at the configured metrics address.

On SIGINT or SIGTERM it stops the sync and waits for running transitions
before exiting.

Example:
  bmconductor serve -c bmconductor.yaml`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return handlers.Serve(signals.SetupSignalHandler(), opts.configPath)
		},
	}
}
