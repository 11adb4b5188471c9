package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/updateflow/internal/config"
)

// Version information set by build flags.
var (
	version = "dev"
	commit  = "none"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("updateflow %s (commit %s)\n", version, commit)
		fmt.Printf("  application version: %s\n", config.GetSystemSettingString(config.APP_VERSION))
	},
}
