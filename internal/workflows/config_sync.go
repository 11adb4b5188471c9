package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/RealZimboGuy/updateflow/internal/projectconfig"
	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

const ConfigSyncWorkflow = "config-sync"

const (
	StepUninstallComponent updater.Step = "uninstall-component"
	StepInstallComponent   updater.Step = "install-component"
	StepApplyYAMLChanges   updater.Step = "apply-yaml-changes"
	StepRegenerateYAML     updater.Step = "regenerate-yaml"
)

// Choices for a loaded configuration that is newer than project.yaml.
const (
	ChoiceRegenerate = "regenerate"
	ChoiceDiscard    = "discard"
)

const (
	keyChoice      = "choice"
	keyToInstall   = "toInstall"
	keyToUninstall = "toUninstall"
	keyChanged     = "changed"
)

// ConfigSource is the declarative project config on disk.
type ConfigSource interface {
	Load() (*domain.ProjectConfig, error)
	Save(cfg *domain.ProjectConfig) error
}

// LoadedConfigStore holds the configuration the application currently runs with.
type LoadedConfigStore interface {
	Load(ctx context.Context) (*domain.ProjectConfig, error)
	Save(ctx context.Context, cfg *domain.ProjectConfig) error
}

type ComponentInstaller interface {
	CheckInstallable(declared *domain.ProjectConfig, handles []string) ([]string, error)
	Install(ctx context.Context, handle string, cfg domain.ComponentConfig) error
	Uninstall(ctx context.Context, handle string) error
}

// ConfigSync brings the loaded configuration in line with project.yaml:
// uninstalls, then installs, then applies the remaining changes.
type ConfigSync struct {
	source     ConfigSource
	loaded     LoadedConfigStore
	components ComponentInstaller
	returnURL  string
}

func NewConfigSync(source ConfigSource, loaded LoadedConfigStore, components ComponentInstaller, returnURL string) *ConfigSync {
	return &ConfigSync{source: source, loaded: loaded, components: components, returnURL: returnURL}
}

type configSyncParams struct {
	Force     bool   `json:"force"`
	Choice    string `json:"choice"`
	ReturnURL string `json:"returnUrl"`
}

func (w *ConfigSync) Definition() updater.Definition {
	step := func(s updater.Step, kind updater.StepKind, status string, h updater.Handler) updater.StepDef {
		return updater.StepDef{Step: s, Kind: kind, Status: status, Permission: domain.PermissionProjectConfig, Handler: h}
	}
	return updater.Definition{
		Workflow: ConfigSyncWorkflow,
		Steps: []updater.StepDef{
			step(StepIndex, updater.KindEntry, "Comparing the project config", w.index),
			step(StepUninstallComponent, updater.KindNormal, "Uninstalling components", w.uninstallComponent),
			step(StepInstallComponent, updater.KindNormal, "Installing components", w.installComponent),
			step(StepApplyYAMLChanges, updater.KindNormal, "Applying the project config", w.applyChanges),
			step(StepRegenerateYAML, updater.KindNormal, "Writing project.yaml", w.regenerate),
			step(StepFinish, updater.KindFinish, "Finishing up", w.finish),
		},
		Transitions: map[updater.Step][]updater.Step{
			StepIndex:              {StepUninstallComponent, StepInstallComponent, StepApplyYAMLChanges, StepRegenerateYAML},
			StepUninstallComponent: {StepInstallComponent, StepApplyYAMLChanges, StepFinish},
			StepInstallComponent:   {StepApplyYAMLChanges, StepFinish},
			StepApplyYAMLChanges:   {StepFinish},
			StepRegenerateYAML:     {StepFinish},
		},
	}
}

func (w *ConfigSync) index(sc *updater.StepContext) (updater.Result, error) {
	ctx := sc.Context()
	var p configSyncParams
	if err := sc.BindParams(&p); err != nil {
		return updater.Result{}, err
	}
	if p.Choice != "" {
		if p.Choice != ChoiceRegenerate && p.Choice != ChoiceDiscard {
			return updater.Result{}, updater.Reject("InvalidParams",
				fmt.Errorf("%w: unknown choice %q", updater.ErrInvalidParams, p.Choice))
		}
		sc.State.Put(keyChoice, p.Choice)
	}
	if p.ReturnURL != "" {
		sc.State.Put(keyReturnURL, p.ReturnURL)
	}
	if p.Force {
		sc.State.Put(keyForce, true)
	}

	declared, err := w.source.Load()
	if errors.Is(err, projectconfig.ErrNoSource) {
		return updater.Fail(updater.StepError{
			Message:  "There is no project config file to apply.",
			Details:  err.Error(),
			Severity: updater.SeverityPrecondition,
			Options:  []updater.RecoveryOption{updater.Option("Check again", StepIndex)},
		}), nil
	}
	if err != nil {
		return updater.Result{}, fmt.Errorf("read project config: %w", err)
	}
	loaded, err := w.loaded.Load(ctx)
	if err != nil {
		return updater.Result{}, fmt.Errorf("read loaded config: %w", err)
	}

	choice := sc.State.String(keyChoice)
	if choice == "" && loaded.DateModified > declared.DateModified {
		return updater.Fail(updater.StepError{
			Message:  "The loaded configuration has changes that are newer than project.yaml.",
			Details:  fmt.Sprintf("Loaded configuration modified at %d, project.yaml at %d.", loaded.DateModified, declared.DateModified),
			Severity: updater.SeverityPrecondition,
			Options: []updater.RecoveryOption{
				updater.OptionWith("Use the loaded configuration", StepIndex, updater.State{keyChoice: ChoiceRegenerate}),
				updater.OptionWith("Discard loaded configuration", StepIndex, updater.State{keyChoice: ChoiceDiscard}),
			},
		}), nil
	}

	if choice == ChoiceRegenerate {
		return w.begin(sc, StepRegenerateYAML)
	}

	plan := projectconfig.Diff(loaded, declared)
	changed := projectconfig.ChangedKeys(loaded, declared)
	if plan.Empty() && len(changed) == 0 && choice != ChoiceDiscard {
		return updater.Finished("The project config is already up to date.", w.returnTo(sc.State)), nil
	}
	problems, err := w.components.CheckInstallable(declared, plan.Install)
	if err != nil {
		return updater.Result{}, fmt.Errorf("check components: %w", err)
	}
	if len(problems) > 0 {
		return updater.Fail(updater.StepError{
			Message:  "Some components in project.yaml cannot be installed.",
			Details:  lines(problems),
			Severity: updater.SeverityPrecondition,
			Options:  []updater.RecoveryOption{updater.Option("Check again", StepIndex)},
		}), nil
	}

	sc.State.Put(keyToUninstall, nonNilSlice(plan.Uninstall))
	sc.State.Put(keyToInstall, nonNilSlice(plan.Install))
	sc.Logger.InfoContext(ctx, "Config sync planned", "uninstall", plan.Uninstall, "install", plan.Install, "changed", len(changed))
	return w.begin(sc, w.nextQueued(sc.State))
}

func (w *ConfigSync) begin(sc *updater.StepContext, next updater.Step) (updater.Result, error) {
	blocked, err := takeMaintenance(sc, sc.State.Bool(keyForce),
		updater.OptionWith("Continue anyway", StepIndex, updater.State{keyForce: true}))
	if err != nil || blocked != nil {
		return deref(blocked), err
	}
	return updater.Next(next, ""), nil
}

// nextQueued picks the next step from the queues: uninstalls first, then
// installs, then the remaining changes.
func (w *ConfigSync) nextQueued(s updater.State) updater.Step {
	switch {
	case len(s.Strings(keyToUninstall)) > 0:
		return StepUninstallComponent
	case len(s.Strings(keyToInstall)) > 0:
		return StepInstallComponent
	default:
		return StepApplyYAMLChanges
	}
}

func (w *ConfigSync) uninstallComponent(sc *updater.StepContext) (updater.Result, error) {
	queue := sc.State.Strings(keyToUninstall)
	if len(queue) > 0 {
		handle := queue[0]
		if err := w.components.Uninstall(sc.Context(), handle); err != nil {
			return w.failed(fmt.Sprintf("The component %s could not be uninstalled.", handle), StepUninstallComponent, err), nil
		}
		sc.State.Put(keyToUninstall, queue[1:])
	}
	return updater.Next(w.nextQueued(sc.State), ""), nil
}

func (w *ConfigSync) installComponent(sc *updater.StepContext) (updater.Result, error) {
	queue := sc.State.Strings(keyToInstall)
	if len(queue) > 0 {
		handle := queue[0]
		declared, err := w.source.Load()
		if err != nil {
			return w.failed("The project config could not be read.", StepInstallComponent, err), nil
		}
		if err := w.components.Install(sc.Context(), handle, declared.Components[handle]); err != nil {
			return w.failed(fmt.Sprintf("The component %s could not be installed.", handle), StepInstallComponent, err), nil
		}
		sc.State.Put(keyToInstall, queue[1:])
	}
	return updater.Next(w.nextQueued(sc.State), ""), nil
}

func (w *ConfigSync) applyChanges(sc *updater.StepContext) (updater.Result, error) {
	ctx := sc.Context()
	declared, err := w.source.Load()
	if err != nil {
		return w.failed("The project config could not be read.", StepApplyYAMLChanges, err), nil
	}
	loaded, err := w.loaded.Load(ctx)
	if err != nil {
		return w.failed("The loaded configuration could not be read.", StepApplyYAMLChanges, err), nil
	}
	changed := projectconfig.ChangedKeys(loaded, declared)
	if err := w.loaded.Save(ctx, declared); err != nil {
		return w.failed("The project config could not be applied.", StepApplyYAMLChanges, err), nil
	}
	sc.State.Put(keyChanged, len(changed))
	sc.State.Put(keyOutcome, outcomeSynced)
	return updater.Next(StepFinish, ""), nil
}

func (w *ConfigSync) regenerate(sc *updater.StepContext) (updater.Result, error) {
	loaded, err := w.loaded.Load(sc.Context())
	if err == nil {
		err = w.source.Save(loaded)
	}
	if err != nil {
		return w.failed("project.yaml could not be written.", StepRegenerateYAML, err), nil
	}
	sc.State.Put(keyOutcome, outcomeRegenerate)
	return updater.Next(StepFinish, ""), nil
}

func (w *ConfigSync) failed(message string, retry updater.Step, err error) updater.Result {
	return updater.Fail(updater.StepError{
		Message:  message,
		Details:  err.Error(),
		Severity: updater.SeverityMutation,
		Options: []updater.RecoveryOption{
			updater.Option("Try again", retry),
			cancelOption("Abort"),
		},
	})
}

func (w *ConfigSync) finish(sc *updater.StepContext) (updater.Result, error) {
	var status string
	switch sc.State.String(keyOutcome) {
	case outcomeSynced:
		var changed int
		_, _ = sc.State.Bind(keyChanged, &changed)
		status = fmt.Sprintf("The project config was applied (%d changes).", changed)
	case outcomeRegenerate:
		status = "project.yaml was rewritten from the loaded configuration."
	case outcomeCancelled:
		status = "The config sync was cancelled."
	default:
		status = "The config sync has finished."
	}
	return updater.Finished(status, w.returnTo(sc.State)), nil
}

func (w *ConfigSync) returnTo(s updater.State) string {
	if u := s.String(keyReturnURL); u != "" {
		return u
	}
	return w.returnURL
}
