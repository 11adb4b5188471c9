package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

// events records side effects across all mocks in call order.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, fmt.Sprintf(format, args...))
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

type mockPackageManager struct {
	ev        *events
	mu        sync.Mutex
	installed map[string]string

	InstallFunc func(targets map[string]string) error
	RemoveFunc  func(handles []string) error
	InfoFunc    func(handle string) (domain.PackageInfo, error)
}

func newMockPackageManager(ev *events, installed map[string]string) *mockPackageManager {
	return &mockPackageManager{ev: ev, installed: installed}
}

func (m *mockPackageManager) Installed(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.installed))
	for k, v := range m.installed {
		out[k] = v
	}
	return out, nil
}

func (m *mockPackageManager) Install(ctx context.Context, targets map[string]string) error {
	for _, h := range sortedHandles(targets) {
		m.ev.add("install %s@%s", h, targets[h])
	}
	if m.InstallFunc != nil {
		if err := m.InstallFunc(targets); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, v := range targets {
		m.installed[h] = v
	}
	return nil
}

func (m *mockPackageManager) Remove(ctx context.Context, handles []string) error {
	sorted := append([]string(nil), handles...)
	sort.Strings(sorted)
	for _, h := range sorted {
		m.ev.add("remove %s", h)
	}
	if m.RemoveFunc != nil {
		if err := m.RemoveFunc(handles); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range handles {
		delete(m.installed, h)
	}
	return nil
}

func (m *mockPackageManager) Info(handle string) (domain.PackageInfo, error) {
	if m.InfoFunc != nil {
		return m.InfoFunc(handle)
	}
	return domain.PackageInfo{Handle: handle}, nil
}

func (m *mockPackageManager) version(handle string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.installed[handle]
	return v, ok
}

type mockBackupper struct {
	ev          *events
	BackupFunc  func() (string, error)
	RestoreFunc func(path string) error
	discarded   []string
}

func (m *mockBackupper) Backup(ctx context.Context) (string, error) {
	m.ev.add("backup")
	if m.BackupFunc != nil {
		return m.BackupFunc()
	}
	return "/backups/backup-1.jsonl.zst", nil
}

func (m *mockBackupper) Restore(ctx context.Context, path string) error {
	m.ev.add("restore %s", path)
	if m.RestoreFunc != nil {
		return m.RestoreFunc(path)
	}
	return nil
}

func (m *mockBackupper) Discard(path string) error {
	m.discarded = append(m.discarded, path)
	return nil
}

type mockMigrationRunner struct {
	ev          *events
	pending     []string
	MigrateFunc func(handles []string) error
}

func (m *mockMigrationRunner) Pending(ctx context.Context, handles []string) ([]string, error) {
	var out []string
	for _, h := range handles {
		for _, p := range m.pending {
			if p == h {
				out = append(out, h)
			}
		}
	}
	return out, nil
}

func (m *mockMigrationRunner) Migrate(ctx context.Context, handles []string) error {
	m.ev.add("migrate %v", handles)
	if m.MigrateFunc != nil {
		return m.MigrateFunc(handles)
	}
	return nil
}

type mockEnvironment struct {
	CheckFunc              func() ([]string, error)
	CheckCompatibilityFunc func(pkgs []domain.PackageInfo) []string
}

func (m *mockEnvironment) Check(ctx context.Context) ([]string, error) {
	if m.CheckFunc != nil {
		return m.CheckFunc()
	}
	return nil, nil
}

func (m *mockEnvironment) CheckCompatibility(pkgs []domain.PackageInfo) []string {
	if m.CheckCompatibilityFunc != nil {
		return m.CheckCompatibilityFunc(pkgs)
	}
	return nil
}

type mockConfigSource struct {
	ev       *events
	cfg      *domain.ProjectConfig
	LoadFunc func() (*domain.ProjectConfig, error)
	saved    *domain.ProjectConfig
}

func (m *mockConfigSource) Load() (*domain.ProjectConfig, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc()
	}
	return m.cfg.Clone()
}

func (m *mockConfigSource) Save(cfg *domain.ProjectConfig) error {
	m.ev.add("write project.yaml")
	m.saved = cfg
	return nil
}

type mockLoadedStore struct {
	ev  *events
	cfg *domain.ProjectConfig
}

func (m *mockLoadedStore) Load(ctx context.Context) (*domain.ProjectConfig, error) {
	return m.cfg.Clone()
}

func (m *mockLoadedStore) Save(ctx context.Context, cfg *domain.ProjectConfig) error {
	m.ev.add("apply config")
	m.cfg = cfg
	return nil
}

type mockComponents struct {
	ev                   *events
	CheckInstallableFunc func(declared *domain.ProjectConfig, handles []string) ([]string, error)
	InstallFunc          func(handle string) error
}

func (m *mockComponents) CheckInstallable(declared *domain.ProjectConfig, handles []string) ([]string, error) {
	if m.CheckInstallableFunc != nil {
		return m.CheckInstallableFunc(declared, handles)
	}
	return nil, nil
}

func (m *mockComponents) Install(ctx context.Context, handle string, cfg domain.ComponentConfig) error {
	m.ev.add("install component %s", handle)
	if m.InstallFunc != nil {
		return m.InstallFunc(handle)
	}
	return nil
}

func (m *mockComponents) Uninstall(ctx context.Context, handle string) error {
	m.ev.add("uninstall component %s", handle)
	return nil
}

// countingLock counts how often maintenance mode is taken and cleared.
type countingLock struct {
	*updater.MemoryLock
	mu       sync.Mutex
	acquired int
	released int
}

func (l *countingLock) TryAcquire(ctx context.Context, holder string) (bool, error) {
	ok, err := l.MemoryLock.TryAcquire(ctx, holder)
	if ok {
		l.mu.Lock()
		l.acquired++
		l.mu.Unlock()
	}
	return ok, err
}

func (l *countingLock) ForceAcquire(ctx context.Context, holder string) error {
	l.mu.Lock()
	l.acquired++
	l.mu.Unlock()
	return l.MemoryLock.ForceAcquire(ctx, holder)
}

func (l *countingLock) Release(ctx context.Context, holder string) error {
	err := l.MemoryLock.Release(ctx, holder)
	if err == nil {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}
	return err
}

const testSecret = "0123456789abcdef0123456789abcdef"

type harness struct {
	exec     *updater.Executor
	codec    *updater.Codec
	lock     *countingLock
	workflow string
}

func newHarness(t *testing.T, def updater.Definition) *harness {
	t.Helper()
	codec, err := updater.NewCodec([]byte(testSecret), time.Hour, nil)
	require.NoError(t, err)
	lock := &countingLock{MemoryLock: updater.NewMemoryLock(0, nil)}
	return &harness{
		exec:     updater.NewExecutor(updater.NewRegistry(def), codec, lock, nil, nil, "https://support.example.com"),
		codec:    codec,
		lock:     lock,
		workflow: def.Workflow,
	}
}

var operator = &domain.User{Username: "operator", Admin: true}

func (h *harness) execute(step updater.Step, token string, params any) (*updater.Response, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return h.exec.Execute(context.Background(), updater.Request{
		Workflow: h.workflow,
		Step:     string(step),
		Token:    token,
		Params:   raw,
		User:     operator,
	})
}

func (h *harness) call(t *testing.T, step updater.Step, token string, params any) *updater.Response {
	t.Helper()
	resp, err := h.execute(step, token, params)
	require.NoError(t, err)
	return resp
}

// follow keeps calling the next step until the run finishes or fails and
// returns the last response along with the steps it ran.
func (h *harness) follow(t *testing.T, resp *updater.Response) (*updater.Response, []updater.Step) {
	t.Helper()
	steps := []updater.Step{resp.Step}
	for i := 0; resp.NextStep != "" && i < 50; i++ {
		resp = h.call(t, resp.NextStep, resp.StateToken, nil)
		steps = append(steps, resp.Step)
	}
	return resp, steps
}

// tokenFor issues a token for step on behalf of a run that already holds
// maintenance mode.
func (h *harness) tokenFor(t *testing.T, step updater.Step, runID string, state updater.State) string {
	t.Helper()
	ok, err := h.lock.MemoryLock.TryAcquire(context.Background(), runID)
	require.NoError(t, err)
	require.True(t, ok)
	token, err := h.codec.Encode(updater.Envelope{Workflow: h.workflow, Step: step, RunID: runID, Data: state})
	require.NoError(t, err)
	return token
}

func option(resp *updater.Response, step updater.Step) (updater.ResponseOption, bool) {
	for _, o := range resp.RecoveryOptions {
		if o.NextStep == step {
			return o, true
		}
	}
	return updater.ResponseOption{}, false
}

func optionSteps(resp *updater.Response) []updater.Step {
	out := make([]updater.Step, 0, len(resp.RecoveryOptions))
	for _, o := range resp.RecoveryOptions {
		out = append(out, o.NextStep)
	}
	return out
}
