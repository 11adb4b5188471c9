package workflows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/updateflow/internal/projectconfig"
	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

type syncFixture struct {
	ev         *events
	source     *mockConfigSource
	loaded     *mockLoadedStore
	components *mockComponents
	h          *harness
}

func newSyncFixture(t *testing.T, loaded, declared *domain.ProjectConfig) *syncFixture {
	t.Helper()
	ev := &events{}
	f := &syncFixture{
		ev:         ev,
		source:     &mockConfigSource{ev: ev, cfg: declared},
		loaded:     &mockLoadedStore{ev: ev, cfg: loaded},
		components: &mockComponents{ev: ev},
	}
	f.h = newHarness(t, NewConfigSync(f.source, f.loaded, f.components, "/settings").Definition())
	return f
}

func projectWith(modified int64, handles ...string) *domain.ProjectConfig {
	cfg := &domain.ProjectConfig{DateModified: modified, Components: map[string]domain.ComponentConfig{}}
	for _, h := range handles {
		cfg.Components[h] = domain.ComponentConfig{SchemaVersion: "1.0.0", Enabled: true}
	}
	return cfg
}

func TestConfigSync_UninstallBeforeInstallBeforeApply(t *testing.T) {
	loaded := projectWith(100, "keep", "x1", "x2")
	declared := projectWith(200, "keep", "y1", "y2")
	declared.Settings = map[string]any{"siteName": "New"}
	f := newSyncFixture(t, loaded, declared)

	last, steps := f.h.follow(t, f.h.call(t, StepIndex, "", nil))
	assert.Equal(t, []updater.Step{
		StepIndex,
		StepUninstallComponent, StepUninstallComponent,
		StepInstallComponent, StepInstallComponent,
		StepApplyYAMLChanges,
		StepFinish,
	}, steps)
	assert.Equal(t, []string{
		"uninstall component x1",
		"uninstall component x2",
		"install component y1",
		"install component y2",
		"apply config",
	}, f.ev.all())
	assert.True(t, last.Finished)
	assert.Equal(t, "/settings", last.ReturnURL)
	assert.Equal(t, "The project config was applied (5 changes).", last.StatusMessage)
	assert.Equal(t, int64(200), f.loaded.cfg.DateModified)
	assert.Equal(t, 1, f.h.lock.acquired)
	assert.Equal(t, 1, f.h.lock.released)
}

func TestConfigSync_NothingToDo(t *testing.T) {
	f := newSyncFixture(t, projectWith(100, "a"), projectWith(100, "a"))

	resp := f.h.call(t, StepIndex, "", nil)
	assert.True(t, resp.Finished)
	assert.Equal(t, "The project config is already up to date.", resp.StatusMessage)
	assert.Equal(t, 0, f.h.lock.acquired)
	assert.Empty(t, f.ev.all())
}

func TestConfigSync_IncompatibleComponentsAreReportedTogether(t *testing.T) {
	f := newSyncFixture(t, projectWith(100), projectWith(200, "a", "b", "c"))
	f.components.CheckInstallableFunc = func(declared *domain.ProjectConfig, handles []string) ([]string, error) {
		assert.Equal(t, []string{"a", "b", "c"}, handles)
		return []string{`Component "a" is not available.`, `Component "c" has schema version 2.0.0 but the project config requires 1.0.0.`}, nil
	}

	resp := f.h.call(t, StepIndex, "", nil)
	require.NotEmpty(t, resp.Error)
	assert.Equal(t, updater.SeverityPrecondition, resp.Severity)
	assert.Contains(t, resp.ErrorDetails, `"a" is not available`)
	assert.Contains(t, resp.ErrorDetails, `"c" has schema version`)
	assert.Equal(t, []updater.Step{StepIndex}, optionSteps(resp))
	assert.Equal(t, 0, f.h.lock.acquired)
	assert.Empty(t, f.ev.all())
}

func TestConfigSync_NewerLoadedConfigNeedsChoice(t *testing.T) {
	newer := func() *domain.ProjectConfig {
		cfg := projectWith(300, "a", "extra")
		cfg.Settings = map[string]any{"siteName": "Edited in the control panel"}
		return cfg
	}

	t.Run("conflict", func(t *testing.T) {
		f := newSyncFixture(t, newer(), projectWith(200, "a"))
		resp := f.h.call(t, StepIndex, "", nil)
		require.NotEmpty(t, resp.Error)
		assert.Equal(t, []updater.Step{StepIndex, StepIndex}, optionSteps(resp))
		assert.Equal(t, "Use the loaded configuration", resp.RecoveryOptions[0].Label)
		assert.Equal(t, "Discard loaded configuration", resp.RecoveryOptions[1].Label)
		assert.Equal(t, 0, f.h.lock.acquired)
	})

	t.Run("regenerate", func(t *testing.T) {
		f := newSyncFixture(t, newer(), projectWith(200, "a"))
		resp := f.h.call(t, StepIndex, "", nil)
		last, steps := f.h.follow(t, f.h.call(t, StepIndex, resp.RecoveryOptions[0].StateToken, nil))
		assert.Equal(t, []updater.Step{StepIndex, StepRegenerateYAML, StepFinish}, steps)
		assert.True(t, last.Finished)
		assert.Equal(t, []string{"write project.yaml"}, f.ev.all())
		require.NotNil(t, f.source.saved)
		assert.Equal(t, int64(300), f.source.saved.DateModified)
		assert.Contains(t, f.source.saved.Components, "extra")
	})

	t.Run("discard", func(t *testing.T) {
		f := newSyncFixture(t, newer(), projectWith(200, "a"))
		resp := f.h.call(t, StepIndex, "", nil)
		last, steps := f.h.follow(t, f.h.call(t, StepIndex, resp.RecoveryOptions[1].StateToken, nil))
		assert.Equal(t, []updater.Step{StepIndex, StepUninstallComponent, StepApplyYAMLChanges, StepFinish}, steps)
		assert.True(t, last.Finished)
		assert.Equal(t, []string{"uninstall component extra", "apply config"}, f.ev.all())
		assert.Equal(t, int64(200), f.loaded.cfg.DateModified)
	})

	t.Run("choice as param", func(t *testing.T) {
		f := newSyncFixture(t, newer(), projectWith(200, "a"))
		resp := f.h.call(t, StepIndex, "", map[string]any{"choice": ChoiceRegenerate})
		assert.Equal(t, StepRegenerateYAML, resp.NextStep)
	})

	t.Run("unknown choice", func(t *testing.T) {
		f := newSyncFixture(t, newer(), projectWith(200, "a"))
		_, err := f.h.execute(StepIndex, "", map[string]any{"choice": "merge"})
		assert.ErrorIs(t, err, updater.ErrInvalidParams)
	})
}

func TestConfigSync_MissingSource(t *testing.T) {
	f := newSyncFixture(t, projectWith(100), nil)
	f.source.LoadFunc = func() (*domain.ProjectConfig, error) {
		return nil, projectconfig.ErrNoSource
	}

	resp := f.h.call(t, StepIndex, "", nil)
	assert.Equal(t, "There is no project config file to apply.", resp.Error)
	assert.Equal(t, updater.SeverityPrecondition, resp.Severity)
	assert.Equal(t, 0, f.h.lock.acquired)
}

func TestConfigSync_ContendedEntry(t *testing.T) {
	f := newSyncFixture(t, projectWith(100), projectWith(200, "a"))
	ok, _ := f.h.lock.MemoryLock.TryAcquire(context.Background(), "other-run")
	require.True(t, ok)

	busy := f.h.call(t, StepIndex, "", nil)
	require.NotEmpty(t, busy.Error)
	assert.Equal(t, []updater.Step{StepIndex}, optionSteps(busy))

	last, _ := f.h.follow(t, f.h.call(t, StepIndex, busy.RecoveryOptions[0].StateToken, nil))
	assert.True(t, last.Finished)
	assert.Equal(t, []string{"install component a", "apply config"}, f.ev.all())
}

func TestConfigSync_FailedInstallCanBeRetried(t *testing.T) {
	f := newSyncFixture(t, projectWith(100), projectWith(200, "a"))
	attempts := 0
	f.components.InstallFunc = func(handle string) error {
		attempts++
		if attempts == 1 {
			return assert.AnError
		}
		return nil
	}

	failed, _ := f.h.follow(t, f.h.call(t, StepIndex, "", nil))
	require.Equal(t, StepInstallComponent, failed.Step)
	assert.Equal(t, []updater.Step{StepInstallComponent, StepFinish}, optionSteps(failed))

	retry, _ := option(failed, StepInstallComponent)
	last, _ := f.h.follow(t, f.h.call(t, StepInstallComponent, retry.StateToken, nil))
	assert.True(t, last.Finished)
	assert.Equal(t, []string{"install component a", "install component a", "apply config"}, f.ev.all())
}
