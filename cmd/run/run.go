package run

import (
	"github.com/snowfork/finality-relayer/cmd/run/grandpa"
	"github.com/spf13/cobra"
)

func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a relay service",
		Args:  cobra.MinimumNArgs(1),
	}

	cmd.AddCommand(grandpa.Command())

	return cmd
}
