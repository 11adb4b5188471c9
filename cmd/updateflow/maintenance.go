package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Inspect or clear maintenance mode",
	Long: `Maintenance reads the shared maintenance lock.

Subcommands:
  status   - Show who holds the lock
  unlock   - Clear the lock left behind by an abandoned update`,
}

var maintenanceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the maintenance lock",
	RunE:  runMaintenanceStatus,
}

var maintenanceUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear maintenance mode",
	RunE:  runMaintenanceUnlock,
}

func init() {
	maintenanceCmd.AddCommand(maintenanceStatusCmd)
	maintenanceCmd.AddCommand(maintenanceUnlockCmd)
}

func runMaintenanceStatus(cmd *cobra.Command, _ []string) error {
	return withLock(func(lock updater.MaintenanceLock) error {
		status, err := lock.Status(cmd.Context())
		if err != nil {
			return err
		}
		if !status.Locked {
			fmt.Println("Maintenance mode is off.")
			return nil
		}
		fmt.Printf("Maintenance mode is on.\n  run:      %s\n  acquired: %s\n", status.Run(), status.Acquired.Format(time.RFC3339))
		if !status.Expires.IsZero() {
			fmt.Printf("  expires:  %s\n", status.Expires.Format(time.RFC3339))
		}
		return nil
	})
}

func runMaintenanceUnlock(cmd *cobra.Command, _ []string) error {
	return withLock(func(lock updater.MaintenanceLock) error {
		status, err := lock.Status(cmd.Context())
		if err != nil {
			return err
		}
		if !status.Locked {
			fmt.Println("Maintenance mode is already off.")
			return nil
		}
		if err := lock.ForceRelease(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Cleared maintenance mode held by run %s.\n", status.Run())
		return nil
	})
}

// withLock opens the configured maintenance store for fn.
func withLock(fn func(updater.MaintenanceLock) error) error {
	db, err := updateflow.OpenDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	lock, closeLock, err := updateflow.NewMaintenanceLock(db.DB, core.NewRealClock())
	if err != nil {
		return err
	}
	defer closeLock()
	return fn(lock)
}
