package main

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute wires the CLI. The watch subcommand runs until SIGINT/SIGTERM;
// status is a one-shot read of the last published state.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "arbwatch",
		Short:         "Real-time cross-venue spot arbitrage watcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(watchCmd(), statusCmd())
	return root.ExecuteContext(ctx)
}
