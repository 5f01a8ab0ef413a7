package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// presetCmd runs a named command-preset against the connection's current
// target (spec.md Section 4.4's preset / macro expansion layer).
func presetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preset",
		Short: "Run a named device command preset",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "use <name>",
		Short: "Expand and run a preset against the current target",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runOne(fmt.Sprintf("preset use %s", args[0]))
		},
	})

	return cmd
}
