package commands

import (
	"strings"

	"github.com/spf13/cobra"
)

// sendCmd is the generic passthrough for any command the command-loop
// understands directly: "get NAME", "set NAME=a,b,c", "do NAME"
// (spec.md Section 3's DeviceCommand grammar).
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <verb> <name>[=args]",
		Short: "Send one device command (get/set/do) and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runOne(strings.Join(args, " "))
		},
	}
}
