package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// miscCommands registers the remaining client-local meta-commands that
// don't fit the target/db/preset/nick groupings: cache stats, a one-shot
// address-cache lookup, and the rate-limiter reset escape hatch
// (spec.md Section 4.8, Section 4.5).
func miscCommands() []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "cachestat",
			Short: "Print address/minimap cache hit-rate stats",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return runOne(".cachestat")
			},
		},
		{
			Use:   "address <lat> <lon>",
			Short: "Look up a cached reverse-geocoded address near a coordinate",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				return runOne(fmt.Sprintf(".address %s %s", args[0], args[1]))
			},
		},
		{
			Use:   "ratereset <service>",
			Short: "Clear a service's rate-limiter cooldown",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return runOne(fmt.Sprintf(".ratereset %s", args[0]))
			},
		},
	}
}

func init() {
	for _, c := range miscCommands() {
		rootCmd.AddCommand(c)
	}
}
