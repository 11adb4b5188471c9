// Package environment checks that the host can safely run an update.
package environment

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/RealZimboGuy/updateflow/internal/versionutil"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

const mb = 1024 * 1024

type Settings struct {
	AppVersion      string
	BackupDir       string
	MinFreeMemoryMB uint64
	MinFreeDiskMB   uint64
}

// Checker runs the pre-update environment checks. The probes default to
// gopsutil and can be replaced in tests.
type Checker struct {
	settings Settings

	FreeMemory func(ctx context.Context) (uint64, error)
	FreeDisk   func(ctx context.Context, path string) (uint64, error)
}

func NewChecker(settings Settings) *Checker {
	return &Checker{
		settings:   settings,
		FreeMemory: freeMemory,
		FreeDisk:   freeDisk,
	}
}

func (c *Checker) AppVersion() string { return c.settings.AppVersion }

// Check returns one message per failed requirement. An empty result means the
// environment is fine. Check has no side effects besides a probe file in the
// backup directory, so it can be repeated any number of times.
func (c *Checker) Check(ctx context.Context) ([]string, error) {
	var problems []string

	if c.settings.MinFreeMemoryMB > 0 {
		free, err := c.FreeMemory(ctx)
		if err != nil {
			return nil, fmt.Errorf("read free memory: %w", err)
		}
		if free < c.settings.MinFreeMemoryMB*mb {
			problems = append(problems, fmt.Sprintf("Only %d MB of memory is available, at least %d MB is required.",
				free/mb, c.settings.MinFreeMemoryMB))
		}
	}

	if c.settings.BackupDir != "" {
		if err := writable(c.settings.BackupDir); err != nil {
			problems = append(problems, fmt.Sprintf("The backup directory %s is not writable: %v", c.settings.BackupDir, err))
		} else if c.settings.MinFreeDiskMB > 0 {
			free, err := c.FreeDisk(ctx, c.settings.BackupDir)
			if err != nil {
				return nil, fmt.Errorf("read free disk space: %w", err)
			}
			if free < c.settings.MinFreeDiskMB*mb {
				problems = append(problems, fmt.Sprintf("Only %d MB of disk space is free in %s, at least %d MB is required.",
					free/mb, c.settings.BackupDir, c.settings.MinFreeDiskMB))
			}
		}
	}
	return problems, nil
}

// CheckCompatibility reports every package whose minimum application version
// is not met by the running application.
func (c *Checker) CheckCompatibility(pkgs []domain.PackageInfo) []string {
	var problems []string
	for _, p := range pkgs {
		ok, err := versionutil.Satisfies(c.settings.AppVersion, p.RequiresApp)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("%s %s: %v", p.Handle, p.Version, err))
		case !ok:
			problems = append(problems, fmt.Sprintf("%s %s requires application version %s, running %s.",
				p.Handle, p.Version, p.RequiresApp, c.settings.AppVersion))
		}
	}
	return problems
}

func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func freeMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func freeDisk(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
