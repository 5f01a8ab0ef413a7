package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// nickCmd manages the shared nickname registry that aliases a short name
// to a dispatch target (spec.md Section 4.8's ".nick"/".ln"/".dn").
func nickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nick",
		Short: "Manage device nicknames",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <name>",
		Short: "Nickname the current target",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runOne(fmt.Sprintf(".nick %s", args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List nicknames",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runOne(".ln")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a nickname",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runOne(fmt.Sprintf(".dn %s", args[0]))
		},
	})

	return cmd
}
