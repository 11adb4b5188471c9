package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the application schema and pending package migrations",
	Long: `Migrate brings the application schema up to date and then runs the
migrations of every installed package that has some pending.

Examples:
  updateflow migrate            # apply everything
  updateflow migrate --dry-run  # only list packages with pending migrations`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "list pending package migrations without applying them")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	db, err := updateflow.OpenDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	installed, err := updateflow.NewPackageManager(db, core.NewRealClock()).Installed(ctx)
	if err != nil {
		return err
	}
	handles := make([]string, 0, len(installed))
	for h := range installed {
		handles = append(handles, h)
	}
	sort.Strings(handles)

	runner := updateflow.NewMigrationRunner(db)
	pending, err := runner.Pending(ctx, handles)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending package migrations.")
		return nil
	}
	for _, h := range pending {
		fmt.Printf("  %s\n", h)
	}
	if migrateDryRun {
		return nil
	}
	if err := runner.Migrate(ctx, pending); err != nil {
		return err
	}
	fmt.Printf("Migrated %d packages.\n", len(pending))
	return nil
}
