package controllers

import "net/http"

// RegisterRoutes wires the HTTP routes for this controller.
func (c *UpdaterController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /actions/{workflow}/{step}", c.RequireAuth(c.handleStep))
	mux.HandleFunc("POST /api/login", c.handleLogin)
	mux.HandleFunc("POST /api/logout", c.handleLogout)
}
func (c *StepLogsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/step-logs", c.RequireAuth(c.handleGetStepLogs))
}
func (c *MaintenanceController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/maintenance", c.RequireAuth(c.handleGetMaintenance))
	mux.HandleFunc("GET /healthz", c.handleHealth)
}
func (c *UsersController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/users", c.requireAdmin(c.handleGetUsers))
	mux.HandleFunc("POST /api/users", c.requireAdmin(c.handleCreateUser))
}
