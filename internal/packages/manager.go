// Package packages applies package installs and removals and keeps the
// manifest of installed versions.
package packages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

// ErrPartial marks a failed batch where some packages were already changed.
var ErrPartial = errors.New("package changes were partially applied")

// ErrInvalidHandle rejects a handle that is not a plain directory name.
var ErrInvalidHandle = errors.New("invalid package handle")

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidHandle reports whether handle can name a directory under the packages
// and migrations dirs and be passed to the package commands.
func ValidHandle(handle string) bool {
	return handlePattern.MatchString(handle)
}

// ApplyError reports the package a batch stopped at.
type ApplyError struct {
	Handle  string
	Applied []string // handles changed before the failure
	Output  string   // output of the package tool, if any
	Err     error
}

func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Handle, e.Err)
	if len(e.Applied) > 0 {
		msg += fmt.Sprintf(" (already changed: %s)", strings.Join(e.Applied, ", "))
	}
	return msg
}

func (e *ApplyError) Unwrap() []error {
	if len(e.Applied) > 0 {
		return []error{e.Err, ErrPartial}
	}
	return []error{e.Err}
}

// Store is the persisted manifest.
type Store interface {
	FindAll(ctx context.Context) ([]domain.InstalledPackage, error)
	Upsert(ctx context.Context, handle, version string) error
	Delete(ctx context.Context, handle string) error
}

type Settings struct {
	PackagesDir string
	// InstallCommand and RemoveCommand are optional command templates run per
	// package, {handle} and {version} are substituted.
	InstallCommand string
	RemoveCommand  string
}

// Manager installs and removes packages one by one in handle order.
type Manager struct {
	store    Store
	settings Settings
	run      func(ctx context.Context, argv []string) (string, error)
}

func NewManager(store Store, settings Settings) *Manager {
	return &Manager{store: store, settings: settings, run: runCommand}
}

// Installed returns handle -> version for every installed package.
func (m *Manager) Installed(ctx context.Context) (map[string]string, error) {
	pkgs, err := m.store.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read package manifest: %w", err)
	}
	out := make(map[string]string, len(pkgs))
	for _, p := range pkgs {
		out[p.Handle] = p.Version
	}
	return out, nil
}

// Install brings every handle in targets to its version.
func (m *Manager) Install(ctx context.Context, targets map[string]string) error {
	var applied []string
	for _, handle := range sortedKeys(targets) {
		version := targets[handle]
		if out, err := m.exec(ctx, m.settings.InstallCommand, handle, version); err != nil {
			return &ApplyError{Handle: handle, Applied: applied, Output: out, Err: err}
		}
		if err := m.store.Upsert(ctx, handle, version); err != nil {
			return &ApplyError{Handle: handle, Applied: applied, Err: err}
		}
		slog.InfoContext(ctx, "Package installed", "handle", handle, "version", version)
		applied = append(applied, handle)
	}
	return nil
}

// Remove uninstalls every handle.
func (m *Manager) Remove(ctx context.Context, handles []string) error {
	sorted := append([]string(nil), handles...)
	sort.Strings(sorted)
	var applied []string
	for _, handle := range sorted {
		if out, err := m.exec(ctx, m.settings.RemoveCommand, handle, ""); err != nil {
			return &ApplyError{Handle: handle, Applied: applied, Output: out, Err: err}
		}
		if err := m.store.Delete(ctx, handle); err != nil {
			return &ApplyError{Handle: handle, Applied: applied, Err: err}
		}
		slog.InfoContext(ctx, "Package removed", "handle", handle)
		applied = append(applied, handle)
	}
	return nil
}

// Info reads the package.yaml shipped in the package directory. A package
// without one has no requirements.
func (m *Manager) Info(handle string) (domain.PackageInfo, error) {
	info, _, err := m.Lookup(handle)
	return info, err
}

// Lookup is Info that also reports whether the package ships a package.yaml.
func (m *Manager) Lookup(handle string) (domain.PackageInfo, bool, error) {
	info := domain.PackageInfo{Handle: handle}
	if !ValidHandle(handle) {
		return info, false, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	if m.settings.PackagesDir == "" {
		return info, false, nil
	}
	b, err := os.ReadFile(filepath.Join(m.settings.PackagesDir, handle, "package.yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return info, false, nil
	}
	if err != nil {
		return info, false, err
	}
	if err := yaml.Unmarshal(b, &info); err != nil {
		return info, false, fmt.Errorf("parse package.yaml of %s: %w", handle, err)
	}
	info.Handle = handle
	return info, true, nil
}

func (m *Manager) exec(ctx context.Context, template, handle, version string) (string, error) {
	if !ValidHandle(handle) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	if strings.TrimSpace(template) == "" {
		return "", nil
	}
	fields := strings.Fields(template)
	argv := make([]string, len(fields))
	for i, f := range fields {
		f = strings.ReplaceAll(f, "{handle}", handle)
		argv[i] = strings.ReplaceAll(f, "{version}", version)
	}
	return m.run(ctx, argv)
}

func runCommand(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
