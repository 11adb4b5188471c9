package main

import (
	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(_ *cobra.Command, _ []string) error {
		return updateflow.Start(nil)
	},
}
