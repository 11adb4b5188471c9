package controllers

import (
	"database/sql"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/RealZimboGuy/updateflow/internal/util"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/models"
)

type UsersController struct {
	AuthController
}

func NewUsersController(userRepo UserRepo) *UsersController {
	return &UsersController{AuthController: *NewBaseController(userRepo, nil)}
}

// requireAdmin wraps RequireAuth and additionally rejects non admin users.
func (c *UsersController) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return c.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		if u := userFrom(r.Context()); u == nil || !u.Admin {
			util.WriteJSONResponse(w, http.StatusForbidden, models.ErrorResponse{Code: "Forbidden", Error: "administrator required"})
			return
		}
		next(w, r)
	})
}

// handleGetUsers returns all users
func (c *UsersController) handleGetUsers(w http.ResponseWriter, r *http.Request) {
	users, err := c.UserRepo.FindAll()
	if err != nil {
		slog.Error("Failed to get users", "error", err)
		util.WriteJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse{Code: "Internal", Error: "Failed to get users"})
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, users)
}

// handleCreateUser creates a new user with a bcrypt hashed password
func (c *UsersController) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.CreateUserRequest](r)
	if err != nil || strings.TrimSpace(req.Username) == "" || req.Password == "" {
		util.WriteJSONResponse(w, http.StatusBadRequest, models.ErrorResponse{Code: "InvalidParams", Error: "Invalid user data"})
		return
	}
	user, err := NewUser(req)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		util.WriteJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse{Code: "Internal", Error: "Failed to create user"})
		return
	}
	if _, err := c.UserRepo.Save(user); err != nil {
		slog.Error("Failed to create user", "error", err)
		util.WriteJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse{Code: "Internal", Error: "Failed to create user"})
		return
	}
	util.WriteJSONResponse(w, http.StatusCreated, user)
}

// NewUser builds an enabled user from req, hashing the password.
func NewUser(req models.CreateUserRequest) (*domain.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &domain.User{
		Username:    strings.TrimSpace(req.Username),
		Password:    string(hash),
		Enabled:     sql.NullBool{Bool: true, Valid: true},
		Admin:       req.Admin,
		Permissions: req.Permissions,
	}, nil
}
