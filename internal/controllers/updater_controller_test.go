package controllers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/internal/util"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/models"
)

type MockStepExecutor struct {
	ExecuteFunc func(ctx context.Context, req updater.Request) (*updater.Response, error)
}

func (m *MockStepExecutor) Execute(ctx context.Context, req updater.Request) (*updater.Response, error) {
	return m.ExecuteFunc(ctx, req)
}

func apiKeyRepo() *MockUserRepo {
	return &MockUserRepo{
		FindByApiKeyFunc: func(apiKey string) (*domain.User, error) {
			if apiKey == "operator_key" {
				return &domain.User{Username: "operator", Admin: true}, nil
			}
			return nil, nil
		},
	}
}

func postStep(t *testing.T, exec StepExecutor, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	c := NewUpdaterController(exec, apiKeyRepo())
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)
	req := httptest.NewRequest("POST", path, bytes.NewReader([]byte(body)))
	req.Header.Set("X-API-Key", "operator_key")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestUpdaterController_EntryStep(t *testing.T) {
	exec := &MockStepExecutor{
		ExecuteFunc: func(ctx context.Context, req updater.Request) (*updater.Response, error) {
			if req.Workflow != "updater" || req.Step != "index" {
				t.Errorf("Expected updater/index, got %s/%s", req.Workflow, req.Step)
			}
			if req.User == nil || req.User.Username != "operator" {
				t.Errorf("Expected the authenticated user, got %v", req.User)
			}
			if string(req.Params) != `{"install":{"a":"2.0.0"}}` {
				t.Errorf("Expected params to be passed through, got %s", req.Params)
			}
			return &updater.Response{
				Workflow:      "updater",
				Step:          "index",
				Entry:         true,
				RunID:         "run-1",
				NextStep:      "install-packages",
				StatusMessage: "Installing packages",
				StateToken:    "token",
			}, nil
		},
	}

	w := postStep(t, exec, "/actions/updater/index", `{"params":{"install":{"a":"2.0.0"}}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	resp, err := util.DecodeJSONBodyResponse[models.StepResponse](w.Result())
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.InitialStep != "install-packages" || resp.NextStep != "install-packages" {
		t.Errorf("Expected initialStep and nextStep install-packages, got %+v", resp)
	}
	if resp.StateToken != "token" || resp.StatusMessage != "Installing packages" {
		t.Errorf("Unexpected response %+v", resp)
	}
}

func TestUpdaterController_StepErrorIs200(t *testing.T) {
	exec := &MockStepExecutor{
		ExecuteFunc: func(ctx context.Context, req updater.Request) (*updater.Response, error) {
			if req.Token != "abc" {
				t.Errorf("Expected token abc, got %q", req.Token)
			}
			return &updater.Response{
				Workflow:     "updater",
				Step:         "backup",
				Error:        "The database backup failed.",
				ErrorDetails: "disk full",
				Severity:     updater.SeverityMutation,
				StateToken:   "retry",
				RecoveryOptions: []updater.ResponseOption{
					{Label: "Revert packages", NextStep: "revert-packages", StateToken: "revert"},
					{Label: "Send for help", URL: "https://support.example.com"},
				},
			}, nil
		},
	}

	w := postStep(t, exec, "/actions/updater/backup", `{"stateToken":"abc"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	resp, err := util.DecodeJSONBodyResponse[models.StepResponse](w.Result())
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Error == "" || resp.ErrorDetails != "disk full" || resp.Severity != "mutation" {
		t.Errorf("Unexpected error response %+v", resp)
	}
	if len(resp.RecoveryOptions) != 2 || resp.RecoveryOptions[0].StateToken != "revert" || resp.RecoveryOptions[1].URL == "" {
		t.Errorf("Unexpected recovery options %+v", resp.RecoveryOptions)
	}
	if resp.InitialStep != "" {
		t.Errorf("Expected no initialStep, got %q", resp.InitialStep)
	}
}

func TestUpdaterController_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantName string
	}{
		{"tampered", updater.Reject("Tampered", updater.ErrTampered), http.StatusBadRequest, "Tampered"},
		{"forbidden", updater.Reject("Forbidden", updater.ErrForbidden), http.StatusForbidden, "Forbidden"},
		{"superseded", updater.Reject("StaleToken", updater.ErrStaleToken), http.StatusConflict, "StaleToken"},
		{"infrastructure", errors.New("database is gone"), http.StatusInternalServerError, "Internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &MockStepExecutor{
				ExecuteFunc: func(ctx context.Context, req updater.Request) (*updater.Response, error) {
					return nil, tt.err
				},
			}
			w := postStep(t, exec, "/actions/updater/migrate", `{"stateToken":"x"}`)
			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			resp, err := util.DecodeJSONBodyResponse[models.ErrorResponse](w.Result())
			if err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Code != tt.wantName {
				t.Errorf("Expected code %s, got %s", tt.wantName, resp.Code)
			}
			if tt.wantCode == http.StatusInternalServerError && resp.Error != "internal server error" {
				t.Errorf("Internal errors must not leak details, got %q", resp.Error)
			}
		})
	}
}

func TestUpdaterController_BadRequests(t *testing.T) {
	exec := &MockStepExecutor{
		ExecuteFunc: func(ctx context.Context, req updater.Request) (*updater.Response, error) {
			t.Error("Executor should not be called")
			return nil, nil
		},
	}

	if w := postStep(t, exec, "/actions/updater/index", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	c := NewUpdaterController(exec, apiKeyRepo())
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)
	req := httptest.NewRequest("POST", "/actions/updater/index", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}
