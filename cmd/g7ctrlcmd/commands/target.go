package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// targetCmd groups the meta-commands that select which device subsequent
// commands on a connection would address (spec.md Section 4.10's C10
// target selection: ".use", ".usb", ".target").
func targetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Inspect or change the GPRS/USB target a connection addresses",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the target a fresh connection would default to",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runOne(".target")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "use <deviceId>",
		Short: "Select a GPRS-connected device by numeric id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runOne(fmt.Sprintf(".use %s", args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "usb <index>",
		Short: "Select a USB-attached device by port index",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runOne(fmt.Sprintf(".usb %s", args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list-devices",
		Short: "List GPRS devices with a live session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runOne(".ld")
		},
	})

	return cmd
}
