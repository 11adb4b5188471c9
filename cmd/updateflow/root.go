package main

import (
	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/updateflow/internal/config"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "updateflow",
	Short: "Step-by-step package updates behind a maintenance lock",
	Long: `updateflow serves the package update and project config sync workflows
over HTTP and provides the admin commands around them.

Settings come from UFLOW_* environment variables, optionally backed by a
config file using the same keys.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		updateflow.SetupLogger()
		return config.LoadFile(cfgFile)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default: $UFLOW_CONFIG_FILE)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(versionCmd)
}
