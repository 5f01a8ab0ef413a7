package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// dbCmd groups the "db" façade onto location storage and CSV export
// (spec.md Section 4.8).
func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Query, export, or delete stored location history",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "size",
		Short: "Print the total number of stored location records",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runOne("db size")
		},
	})

	cmd.AddCommand(dbRangeCmd("query", "Print location records for a device in a time range"))
	cmd.AddCommand(dbRangeCmd("export", "Export location records for a device as CSV"))
	cmd.AddCommand(dbRangeCmd("delete", "Delete location records for a device in a time range"))

	return cmd
}

func dbRangeCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <deviceId> <fromRFC3339> <toRFC3339>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			return runOne(fmt.Sprintf("db %s %s %s %s", verb, args[0], args[1], args[2]))
		},
	}
}
