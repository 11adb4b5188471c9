package controllers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/RealZimboGuy/updateflow/internal/updater"
	"github.com/RealZimboGuy/updateflow/internal/util"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/models"
)

// Paths that stay reachable while maintenance mode is on.
var maintenanceExempt = []string{"/actions/", "/api/login", "/api/logout", "/api/maintenance", "/api/step-logs", "/healthz"}

type MaintenanceController struct {
	AuthController
	Lock updater.MaintenanceLock
}

func NewMaintenanceController(lock updater.MaintenanceLock, userRepo UserRepo) *MaintenanceController {
	return &MaintenanceController{
		Lock:           lock,
		AuthController: *NewBaseController(userRepo, nil),
	}
}

func (c *MaintenanceController) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	status, err := c.Lock.Status(r.Context())
	if err != nil {
		slog.Error("Failed to read maintenance status", "error", err)
		util.WriteJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse{Code: "Internal", Error: "failed to read maintenance status"})
		return
	}
	resp := models.MaintenanceResponse{Locked: status.Locked, Holder: status.Run()}
	if !status.Acquired.IsZero() {
		resp.Acquired = &status.Acquired
	}
	if !status.Expires.IsZero() {
		resp.Expires = &status.Expires
	}
	util.WriteJSONResponse(w, http.StatusOK, resp)
}

func (c *MaintenanceController) handleHealth(w http.ResponseWriter, r *http.Request) {
	util.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Guard refuses ordinary requests with 503 while maintenance mode is on.
func (c *MaintenanceController) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range maintenanceExempt {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}
		status, err := c.Lock.Status(r.Context())
		if err != nil {
			slog.Warn("Failed to read maintenance status", "error", err)
		}
		if err == nil && status.Locked {
			w.Header().Set("Retry-After", "120")
			util.WriteJSONResponse(w, http.StatusServiceUnavailable, models.ErrorResponse{Code: "Maintenance", Error: "an update is in progress"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
