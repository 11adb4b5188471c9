package workflows

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/RealZimboGuy/updateflow/internal/packages"
	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/internal/versionutil"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

const PackageUpdateWorkflow = "updater"

const (
	StepForceUpdate     updater.Step = "force-update"
	StepPrecheck        updater.Step = "precheck"
	StepInstallPackages updater.Step = "install-packages"
	StepRemovePackages  updater.Step = "remove-packages"
	StepServerCheck     updater.Step = "server-check"
	StepBackup          updater.Step = "backup"
	StepMigrate         updater.Step = "migrate"
	StepRestoreDB       updater.Step = "restore-db"
	StepRevertPackages  updater.Step = "revert-packages"
)

// ErrInvalidUpgrade rejects an entry request that is not a strict upgrade.
var ErrInvalidUpgrade = errors.New("invalid upgrade")

const (
	keyInstall            = "install"
	keyRemove             = "remove"
	keyCurrent            = "current"
	keyMutated            = "mutated"
	keyBackupPath         = "backupPath"
	keyBackupConsumed     = "backupConsumed"
	keyMigrate            = "migrate"
	keySkipBackup         = "skipBackup"
	keyPrecheckOverridden = "precheckOverridden"
	keyCompatOverridden   = "compatOverridden"
)

type PackageManager interface {
	Installed(ctx context.Context) (map[string]string, error)
	Install(ctx context.Context, targets map[string]string) error
	Remove(ctx context.Context, handles []string) error
	Info(handle string) (domain.PackageInfo, error)
}

type Backupper interface {
	Backup(ctx context.Context) (string, error)
	Restore(ctx context.Context, path string) error
	Discard(path string) error
}

type MigrationRunner interface {
	Pending(ctx context.Context, handles []string) ([]string, error)
	Migrate(ctx context.Context, handles []string) error
}

type EnvironmentChecker interface {
	Check(ctx context.Context) ([]string, error)
	CheckCompatibility(pkgs []domain.PackageInfo) []string
}

type PackageUpdateSettings struct {
	PrecheckEnabled bool
	BackupEnabled   bool
	KeepBackups     bool
	ReturnURL       string
	SupportURL      string
}

// PackageUpdate installs, upgrades and removes packages and migrates the
// schema, rolling back through database restore and package revert.
type PackageUpdate struct {
	packages   PackageManager
	backups    Backupper
	migrations MigrationRunner
	env        EnvironmentChecker
	settings   PackageUpdateSettings
}

func NewPackageUpdate(pm PackageManager, backups Backupper, migrations MigrationRunner, env EnvironmentChecker, settings PackageUpdateSettings) *PackageUpdate {
	return &PackageUpdate{packages: pm, backups: backups, migrations: migrations, env: env, settings: settings}
}

type packageUpdateParams struct {
	Install    map[string]string `json:"install"`
	Remove     []string          `json:"remove"`
	Force      bool              `json:"force"`
	SkipBackup bool              `json:"skipBackup"`
	ReturnURL  string            `json:"returnUrl"`
}

func (w *PackageUpdate) Definition() updater.Definition {
	step := func(s updater.Step, kind updater.StepKind, status string, h updater.Handler) updater.StepDef {
		return updater.StepDef{Step: s, Kind: kind, Status: status, Permission: domain.PermissionUpdates, Handler: h}
	}
	return updater.Definition{
		Workflow: PackageUpdateWorkflow,
		Steps: []updater.StepDef{
			step(StepIndex, updater.KindEntry, "Preparing the update", w.index),
			step(StepForceUpdate, updater.KindEntry, "Taking over the update", w.forceUpdate),
			step(StepPrecheck, updater.KindNormal, "Checking the environment", w.precheck),
			step(StepInstallPackages, updater.KindNormal, "Installing packages", w.installPackages),
			step(StepRemovePackages, updater.KindNormal, "Removing packages", w.removePackages),
			step(StepServerCheck, updater.KindNormal, "Checking compatibility", w.serverCheck),
			step(StepBackup, updater.KindNormal, "Backing up the database", w.backup),
			step(StepMigrate, updater.KindNormal, "Updating the database", w.migrate),
			step(StepRestoreDB, updater.KindNormal, "Restoring the database", w.restoreDB),
			step(StepRevertPackages, updater.KindNormal, "Reverting packages", w.revertPackages),
			step(StepFinish, updater.KindFinish, "Finishing up", w.finish),
		},
		Transitions: map[updater.Step][]updater.Step{
			StepIndex:           {StepPrecheck, StepInstallPackages, StepRemovePackages, StepForceUpdate},
			StepForceUpdate:     {StepPrecheck, StepInstallPackages, StepRemovePackages},
			StepPrecheck:        {StepInstallPackages, StepRemovePackages, StepFinish},
			StepInstallPackages: {StepRemovePackages, StepServerCheck, StepRevertPackages, StepFinish},
			StepRemovePackages:  {StepServerCheck, StepRevertPackages, StepFinish},
			StepServerCheck:     {StepBackup, StepMigrate, StepRevertPackages, StepFinish},
			StepBackup:          {StepMigrate, StepRevertPackages, StepFinish},
			StepMigrate:         {StepRestoreDB, StepFinish},
			StepRestoreDB:       {StepRevertPackages, StepFinish},
			StepRevertPackages:  {StepFinish},
		},
	}
}

func (w *PackageUpdate) index(sc *updater.StepContext) (updater.Result, error) {
	return w.enter(sc, false)
}

func (w *PackageUpdate) forceUpdate(sc *updater.StepContext) (updater.Result, error) {
	return w.enter(sc, true)
}

// enter validates the request against a snapshot of the installed versions
// and takes maintenance mode. A token carrying an earlier request replays it.
func (w *PackageUpdate) enter(sc *updater.StepContext, force bool) (updater.Result, error) {
	var p packageUpdateParams
	if sc.HasParams() {
		if err := sc.BindParams(&p); err != nil {
			return updater.Result{}, err
		}
		sc.State.Put(keyInstall, nonNilMap(p.Install))
		sc.State.Put(keyRemove, nonNilSlice(p.Remove))
		sc.State.Put(keySkipBackup, p.SkipBackup)
		if p.ReturnURL != "" {
			sc.State.Put(keyReturnURL, p.ReturnURL)
		}
		delete(sc.State, keyCurrent)
	}
	install := sc.State.StringMap(keyInstall)
	remove := sc.State.Strings(keyRemove)
	if len(install) == 0 && len(remove) == 0 {
		return updater.Result{}, updater.Reject("InvalidParams",
			fmt.Errorf("%w: nothing to install or remove", updater.ErrInvalidParams))
	}
	if bad := invalidHandles(install, remove); len(bad) > 0 {
		return updater.Result{}, updater.Reject("InvalidParams",
			fmt.Errorf("%w: invalid package handle %s", updater.ErrInvalidParams, strings.Join(bad, ", ")))
	}

	if !sc.State.Has(keyCurrent) {
		installed, err := w.packages.Installed(sc.Context())
		if err != nil {
			return updater.Result{}, err
		}
		sc.State.Put(keyCurrent, installed)
	}
	current := sc.State.StringMap(keyCurrent)
	if problems := validateUpgrade(current, install, remove); len(problems) > 0 {
		return updater.Result{}, updater.Reject("InvalidUpgrade",
			fmt.Errorf("%w: %s", ErrInvalidUpgrade, strings.Join(problems, "; ")))
	}

	blocked, err := takeMaintenance(sc, force || p.Force, updater.Option("Continue anyway", StepForceUpdate))
	if err != nil || blocked != nil {
		return deref(blocked), err
	}
	sc.Logger.InfoContext(sc.Context(), "Update started", "install", install, "remove", remove)
	if w.settings.PrecheckEnabled {
		return updater.Next(StepPrecheck, ""), nil
	}
	return updater.Next(firstMutation(install), ""), nil
}

func validateUpgrade(current, install map[string]string, remove []string) []string {
	var problems []string
	for _, handle := range sortedHandles(install) {
		target := install[handle]
		installed, ok := current[handle]
		switch {
		case !versionutil.Valid(target):
			problems = append(problems, fmt.Sprintf("%s: %q is not a valid version", handle, target))
		case ok && !versionutil.IsUpgrade(installed, target):
			problems = append(problems, fmt.Sprintf("%s: %s is not newer than the installed %s", handle, target, installed))
		}
	}
	for _, handle := range remove {
		if _, ok := current[handle]; !ok {
			problems = append(problems, fmt.Sprintf("%s: cannot remove a package that is not installed", handle))
		}
		if _, ok := install[handle]; ok {
			problems = append(problems, fmt.Sprintf("%s: cannot install and remove the same package", handle))
		}
	}
	return problems
}

func invalidHandles(install map[string]string, remove []string) []string {
	var bad []string
	for _, handle := range append(sortedHandles(install), remove...) {
		if !packages.ValidHandle(handle) {
			bad = append(bad, strconv.Quote(handle))
		}
	}
	return bad
}

func firstMutation(install map[string]string) updater.Step {
	if len(install) > 0 {
		return StepInstallPackages
	}
	return StepRemovePackages
}

func (w *PackageUpdate) precheck(sc *updater.StepContext) (updater.Result, error) {
	next := firstMutation(sc.State.StringMap(keyInstall))
	problems, err := w.env.Check(sc.Context())
	if err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) == 0 {
		return updater.Next(next, ""), nil
	}
	return updater.Fail(updater.StepError{
		Message:  "The server does not meet the requirements for an update.",
		Details:  lines(problems),
		Severity: updater.SeverityPrecondition,
		Options: []updater.RecoveryOption{
			updater.Option("Check again", StepPrecheck),
			updater.OptionWith("Continue anyway", next, updater.State{keyPrecheckOverridden: true}),
			cancelOption("Cancel update"),
		},
	}), nil
}

func (w *PackageUpdate) installPackages(sc *updater.StepContext) (updater.Result, error) {
	err := w.packages.Install(sc.Context(), sc.State.StringMap(keyInstall))
	if err == nil {
		sc.State.Put(keyMutated, true)
		if len(sc.State.Strings(keyRemove)) > 0 {
			return updater.Next(StepRemovePackages, ""), nil
		}
		return updater.Next(StepServerCheck, ""), nil
	}
	if errors.Is(err, packages.ErrPartial) {
		sc.State.Put(keyMutated, true)
	}
	return w.mutationFailed(sc, "The packages could not be installed.", StepInstallPackages, err), nil
}

func (w *PackageUpdate) removePackages(sc *updater.StepContext) (updater.Result, error) {
	err := w.packages.Remove(sc.Context(), sc.State.Strings(keyRemove))
	if err == nil {
		sc.State.Put(keyMutated, true)
		return updater.Next(StepServerCheck, ""), nil
	}
	if errors.Is(err, packages.ErrPartial) {
		sc.State.Put(keyMutated, true)
	}
	return w.mutationFailed(sc, "The packages could not be removed.", StepRemovePackages, err), nil
}

// mutationFailed offers a retry plus revert when packages were already
// changed, or abort when nothing was.
func (w *PackageUpdate) mutationFailed(sc *updater.StepContext, message string, retry updater.Step, err error, extra ...updater.RecoveryOption) updater.Result {
	opts := []updater.RecoveryOption{updater.Option("Try again", retry)}
	if sc.State.Bool(keyMutated) {
		opts = append(opts, updater.Option("Revert packages", StepRevertPackages))
	} else {
		opts = append(opts, cancelOption("Abort update"))
	}
	return updater.Fail(updater.StepError{
		Message:  message,
		Details:  errorDetails(err),
		Severity: updater.SeverityMutation,
		Options:  append(opts, extra...),
	})
}

func (w *PackageUpdate) serverCheck(sc *updater.StepContext) (updater.Result, error) {
	install := sc.State.StringMap(keyInstall)
	handles := sortedHandles(install)
	if !sc.State.Bool(keyCompatOverridden) {
		infos := make([]domain.PackageInfo, 0, len(handles))
		for _, handle := range handles {
			info, err := w.packages.Info(handle)
			if err != nil {
				return updater.Result{}, fmt.Errorf("read package info of %s: %w", handle, err)
			}
			if info.Version == "" {
				info.Version = install[handle]
			}
			infos = append(infos, info)
		}
		if problems := w.env.CheckCompatibility(infos); len(problems) > 0 {
			var opts []updater.RecoveryOption
			if sc.State.Bool(keyMutated) {
				opts = append(opts, updater.Option("Revert packages", StepRevertPackages))
			} else {
				opts = append(opts, cancelOption("Abort update"))
			}
			opts = append(opts, updater.OptionWith("Continue anyway", StepServerCheck, updater.State{keyCompatOverridden: true}))
			return updater.Fail(updater.StepError{
				Message:  "The new packages are not compatible with this server.",
				Details:  lines(problems),
				Severity: updater.SeverityPrecondition,
				Options:  opts,
			}), nil
		}
	}

	pending, err := w.migrations.Pending(sc.Context(), handles)
	if err != nil {
		return updater.Result{}, fmt.Errorf("look up pending migrations: %w", err)
	}
	if len(pending) == 0 {
		sc.State.Put(keyOutcome, outcomeUpdated)
		return updater.Next(StepFinish, ""), nil
	}
	sc.State.Put(keyMigrate, pending)
	if w.settings.BackupEnabled && !sc.State.Bool(keySkipBackup) {
		return updater.Next(StepBackup, ""), nil
	}
	return updater.Next(StepMigrate, ""), nil
}

func (w *PackageUpdate) backup(sc *updater.StepContext) (updater.Result, error) {
	path, err := w.backups.Backup(sc.Context())
	if err == nil {
		sc.State.Put(keyBackupPath, path)
		sc.State.Put(keyBackupConsumed, false)
		return updater.Next(StepMigrate, ""), nil
	}
	return w.mutationFailed(sc, "The database backup failed.", StepBackup, err,
		updater.OptionWith("Skip backup", StepMigrate, updater.State{keySkipBackup: true})), nil
}

func (w *PackageUpdate) migrate(sc *updater.StepContext) (updater.Result, error) {
	err := w.migrations.Migrate(sc.Context(), sc.State.Strings(keyMigrate))
	if err == nil {
		sc.State.Put(keyOutcome, outcomeUpdated)
		return updater.Next(StepFinish, ""), nil
	}
	if w.hasBackup(sc.State) {
		return updater.Fail(updater.StepError{
			Message:  "The database update failed.",
			Details:  err.Error(),
			Severity: updater.SeverityMutation,
			Options: []updater.RecoveryOption{
				updater.Option("Restore database", StepRestoreDB),
				updater.Option("Try again", StepMigrate),
			},
		}), nil
	}
	return updater.Fail(updater.StepError{
		Message:  "The database update failed and there is no backup to restore. Manual intervention is required.",
		Details:  err.Error(),
		Severity: updater.SeverityFatal,
		Options: []updater.RecoveryOption{
			updater.Option("Try again", StepMigrate),
			updater.Support(w.settings.SupportURL),
		},
	}), nil
}

func (w *PackageUpdate) hasBackup(s updater.State) bool {
	return s.String(keyBackupPath) != "" && !s.Bool(keyBackupConsumed)
}

func (w *PackageUpdate) restoreDB(sc *updater.StepContext) (updater.Result, error) {
	if !w.hasBackup(sc.State) {
		var opts []updater.RecoveryOption
		if sc.State.Bool(keyMutated) {
			opts = append(opts, updater.Option("Revert packages", StepRevertPackages))
		}
		return updater.Fail(updater.StepError{
			Message:  "There is no database backup available to restore.",
			Severity: updater.SeverityCompensation,
			Options:  append(opts, updater.Support(w.settings.SupportURL)),
		}), nil
	}
	path := sc.State.String(keyBackupPath)
	if err := w.backups.Restore(sc.Context(), path); err != nil {
		return updater.Fail(updater.StepError{
			Message:  "The update failed and the database restore also failed.",
			Details:  fmt.Sprintf("%v (backup: %s)", err, path),
			Severity: updater.SeverityCompensation,
			Options:  []updater.RecoveryOption{updater.Support(w.settings.SupportURL)},
		}), nil
	}
	sc.State.Put(keyBackupConsumed, true)
	if sc.State.Bool(keyMutated) {
		return updater.Next(StepRevertPackages, ""), nil
	}
	sc.State.Put(keyOutcome, outcomeReverted)
	return updater.Next(StepFinish, ""), nil
}

// revertPackages brings every touched package back to its version in the
// entry snapshot and removes the ones that were not installed before.
func (w *PackageUpdate) revertPackages(sc *updater.StepContext) (updater.Result, error) {
	ctx := sc.Context()
	current := sc.State.StringMap(keyCurrent)
	installed, err := w.packages.Installed(ctx)
	if err == nil {
		restore, fresh := revertPlan(current, installed, sc.State.StringMap(keyInstall), sc.State.Strings(keyRemove))
		if len(restore) > 0 {
			err = w.packages.Install(ctx, restore)
		}
		if err == nil && len(fresh) > 0 {
			err = w.packages.Remove(ctx, fresh)
		}
	}
	if err != nil {
		return updater.Fail(updater.StepError{
			Message:  "The update failed and reverting the packages also failed.",
			Details:  errorDetails(err),
			Severity: updater.SeverityCompensation,
			Options:  []updater.RecoveryOption{updater.Support(w.settings.SupportURL)},
		}), nil
	}
	sc.State.Put(keyMutated, false)
	sc.State.Put(keyOutcome, outcomeReverted)
	return updater.Next(StepFinish, ""), nil
}

func revertPlan(current, installed, install map[string]string, remove []string) (map[string]string, []string) {
	restore := make(map[string]string)
	var fresh []string
	for handle := range install {
		before, existed := current[handle]
		now, present := installed[handle]
		switch {
		case existed && now != before:
			restore[handle] = before
		case !existed && present:
			fresh = append(fresh, handle)
		}
	}
	for _, handle := range remove {
		before, existed := current[handle]
		if existed && installed[handle] != before {
			restore[handle] = before
		}
	}
	sort.Strings(fresh)
	return restore, fresh
}

func (w *PackageUpdate) finish(sc *updater.StepContext) (updater.Result, error) {
	outcome := sc.State.String(keyOutcome)
	if outcome == outcomeUpdated && !w.settings.KeepBackups {
		if path := sc.State.String(keyBackupPath); path != "" {
			if err := w.backups.Discard(path); err != nil {
				sc.Logger.WarnContext(sc.Context(), "Failed to discard backup", "path", path, "error", err)
			}
		}
	}
	returnURL := sc.State.String(keyReturnURL)
	if returnURL == "" {
		returnURL = w.settings.ReturnURL
	}
	var status string
	switch outcome {
	case outcomeUpdated:
		status = "The update completed successfully."
	case outcomeCancelled:
		status = "The update was cancelled."
	case outcomeReverted:
		status = "The update failed, but it was reverted successfully."
	default:
		status = "The update has finished."
	}
	return updater.Finished(status, returnURL), nil
}

func errorDetails(err error) string {
	var ae *packages.ApplyError
	if errors.As(err, &ae) && strings.TrimSpace(ae.Output) != "" {
		return err.Error() + "\n" + strings.TrimSpace(ae.Output)
	}
	return err.Error()
}

func sortedHandles(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func deref(r *updater.Result) updater.Result {
	if r == nil {
		return updater.Result{}
	}
	return *r
}
