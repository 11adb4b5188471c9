// Package common drives a running updateflow server over HTTP. The database
// specific packages start the server against their own database and run the
// scenarios defined here.
package common

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/updateflow/internal/config"
	"github.com/RealZimboGuy/updateflow/internal/repository"
	"github.com/RealZimboGuy/updateflow/internal/util"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/models"
)

const ApiKey = "b5f0e8c4-daa6-465c-bded-50ca22b798b2"

var client = &http.Client{Timeout: 30 * time.Second}

// PrepareEnvironment points every directory setting at a temp dir and ships
// one package, "blog", with a single migration.
func PrepareEnvironment(t *testing.T) {
	t.Helper()
	root := t.TempDir()
	migrationsDir := filepath.Join(root, "migrations")
	require.NoError(t, os.MkdirAll(filepath.Join(migrationsDir, "blog"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(migrationsDir, "blog", "1_create_blog_posts.up.sql"),
		[]byte("CREATE TABLE blog_posts (id INTEGER PRIMARY KEY, title VARCHAR(255));\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(migrationsDir, "blog", "1_create_blog_posts.down.sql"),
		[]byte("DROP TABLE blog_posts;\n"), 0o644))

	t.Setenv(config.STATE_SECRET, "integration-secret-integration-secret")
	t.Setenv(config.MAINTENANCE_STORE, config.MAINTENANCE_STORE_DATABASE)
	t.Setenv(config.PRECHECK_ENABLED, "false")
	t.Setenv(config.PACKAGES_DIR, filepath.Join(root, "vendor"))
	t.Setenv(config.MIGRATIONS_DIR, migrationsDir)
	t.Setenv(config.BACKUP_DIR, filepath.Join(root, "backups"))
	t.Setenv(config.PROJECT_CONFIG_DIR, filepath.Join(root, "project"))
	t.Setenv(config.RETURN_URL, "/admin")
	config.Reset()
}

// SeedUser migrates the database and stores an admin reachable with ApiKey.
func SeedUser(t *testing.T) {
	t.Helper()
	db, err := updateflow.OpenDatabase()
	require.NoError(t, err)
	defer db.Close()
	_, err = repository.NewUserRepository(db.DB, core.NewRealClock()).Save(&domain.User{
		Username: "integration",
		Password: "unused",
		ApiKey:   sql.NullString{String: ApiKey, Valid: true},
		Enabled:  sql.NullBool{Bool: true, Valid: true},
		Admin:    true,
	})
	require.NoError(t, err)
}

// StartServer serves updateflow on port next to a host route, GET /app, and
// waits until it answers.
func StartServer(t *testing.T, port int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /app", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSONResponse(w, http.StatusOK, map[string]string{"page": "app"})
	})
	go func() {
		if err := updateflow.Start(mux); err != nil {
			slog.Error("Integration server stopped", "port", port, "error", err)
		}
	}()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(fmt.Sprintf("http://localhost:%d/healthz", port))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server on port %d did not come up", port)
}

// PostStep calls one step and decodes the step response of a 200.
func PostStep(t *testing.T, port int, workflow, step, token string, params any) (int, models.StepResponse) {
	t.Helper()
	body := models.StepRequest{StateToken: token}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		body.Params = raw
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://localhost:%d/actions/%s/%s", port, workflow, step), bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", ApiKey)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, models.StepResponse{}
	}
	out, err := util.DecodeJSONBodyResponse[models.StepResponse](resp)
	require.NoError(t, err)
	return resp.StatusCode, out
}

// Follow calls nextStep until the run stops asking for one.
func Follow(t *testing.T, port int, resp models.StepResponse) models.StepResponse {
	t.Helper()
	for i := 0; resp.NextStep != "" && i < 30; i++ {
		status, next := PostStep(t, port, resp.Workflow, resp.NextStep, resp.StateToken, nil)
		require.Equal(t, http.StatusOK, status, "step %s", resp.NextStep)
		resp = next
	}
	return resp
}

// Get returns the status of an authenticated GET and decodes a 200 body into out.
func Get(t *testing.T, port int, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://localhost:%d%s", port, path), nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", ApiKey)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
