// Package cli implements the servicebusd command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func Execute() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "servicebusd",
		Short:        "servicebusd - message-oriented service bus daemon",
		SilenceUsage: true,
	}

	cmd.AddCommand(runCmd(), statusCmd(), topCmd())
	return cmd
}
