// Package workflows holds the step catalogs of the update workflows: package
// updates ("updater") and project configuration sync ("config-sync").
package workflows

import (
	"fmt"
	"strings"
	"time"

	"github.com/RealZimboGuy/updateflow/internal/updater"
)

const (
	StepIndex  updater.Step = "index"
	StepFinish updater.Step = "finish"
)

// Outcomes recorded in the state for the finish step.
const (
	outcomeUpdated    = "updated"
	outcomeCancelled  = "cancelled"
	outcomeReverted   = "reverted"
	outcomeSynced     = "synced"
	outcomeRegenerate = "regenerated"
)

const (
	keyOutcome   = "outcome"
	keyReturnURL = "returnUrl"
	keyForce     = "force"
)

// takeMaintenance acquires maintenance mode for an entry step. When somebody
// else holds it the returned result offers only the override, never finish,
// since finishing would release the other run's lock.
func takeMaintenance(sc *updater.StepContext, force bool, override updater.RecoveryOption) (*updater.Result, error) {
	if force {
		if err := sc.ForceMaintenance(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	ok, err := sc.AcquireMaintenance()
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	details := ""
	if status, err := sc.MaintenanceStatus(); err == nil && status.Locked {
		details = fmt.Sprintf("Maintenance mode is held by run %s since %s.", status.Run(), status.Acquired.UTC().Format(time.RFC3339))
	}
	res := updater.Fail(updater.StepError{
		Message:  "Someone else is already updating. Continue only if you are sure that update is no longer running.",
		Details:  details,
		Severity: updater.SeverityPrecondition,
		Options:  []updater.RecoveryOption{override},
	})
	return &res, nil
}

func cancelOption(label string) updater.RecoveryOption {
	return updater.OptionWith(label, StepFinish, updater.State{keyOutcome: outcomeCancelled})
}

func lines(problems []string) string {
	return strings.Join(problems, "\n")
}
