package common

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/updateflow/internal/workflows"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/models"
)

var (
	updater = workflows.PackageUpdateWorkflow
	index   = string(workflows.StepIndex)
)

func install(versions map[string]string) map[string]any {
	return map[string]any{"install": versions}
}

// RunPackageInstall installs "blog", whose migration creates blog_posts, and
// walks the run to the end.
func RunPackageInstall(t *testing.T, port int) {
	status, first := PostStep(t, port, updater, index, "", install(map[string]string{"blog": "1.0.0"}))
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, first.Error)
	assert.Equal(t, string(workflows.StepInstallPackages), first.InitialStep)

	last := Follow(t, port, first)
	require.Empty(t, last.Error, last.ErrorDetails)
	assert.True(t, last.Finished)
	assert.Equal(t, "The update completed successfully.", last.StatusMessage)
	assert.Equal(t, "/admin", last.ReturnURL)

	var logs []domain.StepLog
	require.Equal(t, http.StatusOK, Get(t, port, "/api/step-logs?run="+first.RunID, &logs))
	steps := make([]string, 0, len(logs))
	for _, l := range logs {
		steps = append(steps, l.Step)
	}
	assert.Equal(t, []string{"index", "install-packages", "server-check", "backup", "migrate", "finish"}, steps)

	var m models.MaintenanceResponse
	require.Equal(t, http.StatusOK, Get(t, port, "/api/maintenance", &m))
	assert.False(t, m.Locked)

	db, err := updateflow.OpenDatabase()
	require.NoError(t, err)
	defer db.Close()
	var posts int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM blog_posts").Scan(&posts))
	assert.Zero(t, posts)

	// the same version again is not an upgrade
	status, _ = PostStep(t, port, updater, index, "", install(map[string]string{"blog": "1.0.0"}))
	assert.Equal(t, http.StatusBadRequest, status)
}

// RunMaintenanceMode checks that a run in progress blocks the host
// application and other runs until it finishes.
func RunMaintenanceMode(t *testing.T, port int) {
	status, first := PostStep(t, port, updater, index, "", install(map[string]string{"gallery": "2.0.0"}))
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, first.NextStep)

	assert.Equal(t, http.StatusServiceUnavailable, Get(t, port, "/app", nil))

	var m models.MaintenanceResponse
	require.Equal(t, http.StatusOK, Get(t, port, "/api/maintenance", &m))
	assert.True(t, m.Locked)
	assert.Equal(t, first.RunID, m.Holder)

	status, second := PostStep(t, port, updater, index, "", install(map[string]string{"shop": "1.0.0"}))
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, second.Error, "Someone else is already updating")
	require.Len(t, second.RecoveryOptions, 1)
	assert.Equal(t, string(workflows.StepForceUpdate), second.RecoveryOptions[0].NextStep)

	last := Follow(t, port, first)
	assert.True(t, last.Finished)
	assert.Equal(t, http.StatusOK, Get(t, port, "/app", nil))
}

// RunRequiresAuthentication checks that steps are not reachable anonymously.
func RunRequiresAuthentication(t *testing.T, port int) {
	resp, err := client.Post(fmt.Sprintf("http://localhost:%d/actions/updater/index", port), "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
