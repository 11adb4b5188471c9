package controllers

import (
	"log/slog"
	"net/http"

	"github.com/RealZimboGuy/updateflow/internal/util"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/models"
)

const recentStepLogs = 50

type StepLogReader interface {
	FindAllByRunID(runID string) ([]domain.StepLog, error)
	FindRecent(limit int) ([]domain.StepLog, error)
}

type StepLogsController struct {
	AuthController
	StepLogs StepLogReader
}

func NewStepLogsController(stepLogs StepLogReader, userRepo UserRepo) *StepLogsController {
	return &StepLogsController{
		StepLogs:       stepLogs,
		AuthController: *NewBaseController(userRepo, nil),
	}
}

// handleGetStepLogs returns the audit trail of one run, or the most recent
// entries when no run is given.
func (c *StepLogsController) handleGetStepLogs(w http.ResponseWriter, r *http.Request) {
	var (
		logs []domain.StepLog
		err  error
	)
	if run := r.URL.Query().Get("run"); run != "" {
		logs, err = c.StepLogs.FindAllByRunID(run)
	} else {
		logs, err = c.StepLogs.FindRecent(recentStepLogs)
	}
	if err != nil {
		slog.Error("Failed to read step logs", "error", err)
		util.WriteJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse{Code: "Internal", Error: "failed to read step logs"})
		return
	}
	if logs == nil {
		logs = []domain.StepLog{}
	}
	util.WriteJSONResponse(w, http.StatusOK, logs)
}
