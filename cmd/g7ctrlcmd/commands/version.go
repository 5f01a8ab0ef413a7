package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/g7ctrl/g7ctrld/internal/version"
)

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// BuildDate is the build timestamp, set at build time via ldflags.
var BuildDate = "unknown"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print g7ctrlcmd's build information and, if reachable, the daemon's",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Printf("g7ctrlcmd %s\n", appversion.Version)
			fmt.Printf("  commit:  %s\n", GitCommit)
			fmt.Printf("  built:   %s\n", BuildDate)

			if err := runOne(".ver"); err != nil {
				fmt.Println("daemon unreachable:", err)
			}
			return nil
		},
	}
}
