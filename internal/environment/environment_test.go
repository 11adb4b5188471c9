package environment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

func newTestChecker(t *testing.T, memFree, diskFree uint64) *Checker {
	t.Helper()
	c := NewChecker(Settings{
		AppVersion:      "4.2.0",
		BackupDir:       filepath.Join(t.TempDir(), "backups"),
		MinFreeMemoryMB: 256,
		MinFreeDiskMB:   512,
	})
	c.FreeMemory = func(ctx context.Context) (uint64, error) { return memFree, nil }
	c.FreeDisk = func(ctx context.Context, path string) (uint64, error) { return diskFree, nil }
	return c
}

func TestCheck_Passes(t *testing.T) {
	c := newTestChecker(t, 1024*mb, 2048*mb)
	problems, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestCheck_IsRepeatable(t *testing.T) {
	c := newTestChecker(t, 10*mb, 10*mb)
	first, err := c.Check(context.Background())
	require.NoError(t, err)
	second, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(c.settings.BackupDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheck_UnwritableBackupDir(t *testing.T) {
	c := newTestChecker(t, 1024*mb, 2048*mb)
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	c.settings.BackupDir = file

	problems, err := c.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "not writable")
}

func TestCheckCompatibility(t *testing.T) {
	c := newTestChecker(t, 0, 0)
	problems := c.CheckCompatibility([]domain.PackageInfo{
		{Handle: "blog", Version: "2.0.0", RequiresApp: ">=4.0"},
		{Handle: "forms", Version: "3.0.0", RequiresApp: ">=5.0.0"},
		{Handle: "seo", Version: "1.0.0"},
		{Handle: "broken", Version: "1.0.0", RequiresApp: "soon"},
	})
	require.Len(t, problems, 2)
	assert.Contains(t, problems[0], "forms")
	assert.Contains(t, problems[1], "broken")
}
