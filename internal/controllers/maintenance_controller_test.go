package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/internal/util"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/models"
)

func TestMaintenanceController_Guard(t *testing.T) {
	lock := updater.NewMemoryLock(0, nil)
	c := NewMaintenanceController(lock, apiKeyRepo())
	guarded := c.Guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		guarded.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		return w
	}

	if w := serve("/api/users"); w.Code != http.StatusOK {
		t.Errorf("Expected status 200 without maintenance, got %d", w.Code)
	}

	if ok, _ := lock.TryAcquire(context.Background(), "run-1"); !ok {
		t.Fatal("Expected to acquire the lock")
	}
	w := serve("/api/users")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 during maintenance, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Errorf("Expected a Retry-After header")
	}
	for _, path := range []string{"/actions/updater/finish", "/api/maintenance", "/api/login", "/healthz"} {
		if w := serve(path); w.Code != http.StatusOK {
			t.Errorf("Expected %s to stay reachable, got %d", path, w.Code)
		}
	}
}

func TestMaintenanceController_Status(t *testing.T) {
	lock := updater.NewMemoryLock(0, nil)
	_, _ = lock.TryAcquire(context.Background(), "run-7#3")
	c := NewMaintenanceController(lock, apiKeyRepo())

	w := httptest.NewRecorder()
	c.handleGetMaintenance(w, httptest.NewRequest("GET", "/api/maintenance", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	resp, err := util.DecodeJSONBodyResponse[models.MaintenanceResponse](w.Result())
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Locked || resp.Holder != "run-7" || resp.Acquired == nil || resp.Expires != nil {
		t.Errorf("Unexpected status %+v", resp)
	}
}
