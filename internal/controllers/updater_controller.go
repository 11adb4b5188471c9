package controllers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/internal/util"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/models"
)

type StepExecutor interface {
	Execute(ctx context.Context, req updater.Request) (*updater.Response, error)
}

// UpdaterController exposes workflow steps as POST /actions/{workflow}/{step}.
type UpdaterController struct {
	AuthController
	Executor StepExecutor
}

func NewUpdaterController(executor StepExecutor, userRepo UserRepo) *UpdaterController {
	return &UpdaterController{
		Executor:       executor,
		AuthController: *NewBaseController(userRepo, nil),
	}
}

func (c *UpdaterController) handleStep(w http.ResponseWriter, r *http.Request) {
	body, err := util.DecodeJSONBody[models.StepRequest](r)
	if err != nil {
		util.WriteJSONResponse(w, http.StatusBadRequest, models.ErrorResponse{Code: "InvalidParams", Error: err.Error()})
		return
	}
	resp, err := c.Executor.Execute(r.Context(), updater.Request{
		Workflow: r.PathValue("workflow"),
		Step:     r.PathValue("step"),
		Token:    body.StateToken,
		Params:   body.Params,
		User:     userFrom(r.Context()),
	})
	if err != nil {
		status := updater.HTTPStatus(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			slog.Error("Step execution failed", "workflow", r.PathValue("workflow"), "step", r.PathValue("step"), "error", err)
			msg = "internal server error"
		}
		util.WriteJSONResponse(w, status, models.ErrorResponse{Code: updater.ErrorCode(err), Error: msg})
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, toStepResponse(resp))
}

func toStepResponse(resp *updater.Response) models.StepResponse {
	out := models.StepResponse{
		Workflow:      resp.Workflow,
		Step:          string(resp.Step),
		RunID:         resp.RunID,
		NextStep:      string(resp.NextStep),
		StatusMessage: resp.StatusMessage,
		StateToken:    resp.StateToken,
		Finished:      resp.Finished,
		ReturnURL:     resp.ReturnURL,
		Error:         resp.Error,
		ErrorDetails:  resp.ErrorDetails,
		Severity:      string(resp.Severity),
	}
	if resp.Entry && resp.NextStep != "" {
		out.InitialStep = string(resp.NextStep)
	}
	for _, o := range resp.RecoveryOptions {
		out.RecoveryOptions = append(out.RecoveryOptions, models.RecoveryOption{
			Label:      o.Label,
			NextStep:   string(o.NextStep),
			StateToken: o.StateToken,
			URL:        o.URL,
		})
	}
	return out
}
