package controllers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RealZimboGuy/updateflow/internal/util"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

type MockStepLogReader struct {
	FindAllByRunIDFunc func(runID string) ([]domain.StepLog, error)
	FindRecentFunc     func(limit int) ([]domain.StepLog, error)
}

func (m *MockStepLogReader) FindAllByRunID(runID string) ([]domain.StepLog, error) {
	if m.FindAllByRunIDFunc != nil {
		return m.FindAllByRunIDFunc(runID)
	}
	return nil, nil
}

func (m *MockStepLogReader) FindRecent(limit int) ([]domain.StepLog, error) {
	if m.FindRecentFunc != nil {
		return m.FindRecentFunc(limit)
	}
	return nil, nil
}

func TestStepLogsController_ByRun(t *testing.T) {
	reader := &MockStepLogReader{
		FindAllByRunIDFunc: func(runID string) ([]domain.StepLog, error) {
			return []domain.StepLog{
				{ID: 1, RunID: runID, Workflow: "updater", Step: "index", Outcome: domain.StepOutcomeNext},
				{ID: 2, RunID: runID, Workflow: "updater", Step: "finish", Outcome: domain.StepOutcomeFinished},
			}, nil
		},
	}
	c := NewStepLogsController(reader, &MockUserRepo{})

	w := httptest.NewRecorder()
	c.handleGetStepLogs(w, httptest.NewRequest("GET", "/api/step-logs?run=run-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	logs, err := util.DecodeJSONBodyResponse[[]domain.StepLog](w.Result())
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(logs) != 2 || logs[0].RunID != "run-1" {
		t.Errorf("Unexpected logs %+v", logs)
	}
}

func TestStepLogsController_Recent(t *testing.T) {
	var gotLimit int
	reader := &MockStepLogReader{
		FindRecentFunc: func(limit int) ([]domain.StepLog, error) {
			gotLimit = limit
			return nil, nil
		},
	}
	c := NewStepLogsController(reader, &MockUserRepo{})

	w := httptest.NewRecorder()
	c.handleGetStepLogs(w, httptest.NewRequest("GET", "/api/step-logs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if gotLimit != recentStepLogs {
		t.Errorf("Expected limit %d, got %d", recentStepLogs, gotLimit)
	}
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("Expected an empty list, got %q", body)
	}
}
