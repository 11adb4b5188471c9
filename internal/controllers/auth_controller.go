package controllers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/RealZimboGuy/updateflow/internal/config"
	"github.com/RealZimboGuy/updateflow/internal/util"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/models"
)

const sessionCookie = "sessionId"

type UserRepo interface {
	FindBySessionID(sessionID string, now time.Time) (*domain.User, error)
	FindByApiKey(apiKey string) (*domain.User, error)
	FindByUsername(username string) (*domain.User, error)
	UpdateSession(userID int64, sessionID string, expiry time.Time) error
	ClearSessionBySessionID(sessionID string) error
	FindAll() ([]domain.User, error)
	Save(u *domain.User) (int64, error)
}

type AuthController struct {
	UserRepo UserRepo
	Clock    core.Clock
}

func NewBaseController(userRepo UserRepo, clock core.Clock) *AuthController {
	if clock == nil {
		clock = core.NewRealClock()
	}
	return &AuthController{UserRepo: userRepo, Clock: clock}
}

func (wc *AuthController) now() time.Time {
	if wc.Clock == nil {
		return time.Now().UTC()
	}
	return wc.Clock.Now().UTC()
}

// RequireAuth lets the request through when it carries a valid session cookie
// or X-API-Key header. The user is stored in the request context.
func (wc *AuthController) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// 1) Try session cookie
		if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
			u, err := wc.UserRepo.FindBySessionID(c.Value, wc.now())
			if err != nil {
				slog.Error("FindBySessionID failed", "error", err)
			}
			if err == nil && enabled(u) {
				next(w, r.WithContext(withUser(r.Context(), u)))
				return
			}
		}
		// 2) Try API key from headers
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			u, err := wc.UserRepo.FindByApiKey(apiKey)
			if err != nil {
				slog.Error("FindByApiKey failed", "error", err)
			}
			if err == nil && enabled(u) {
				next(w, r.WithContext(withUser(r.Context(), u)))
				return
			}
		}
		util.WriteJSONResponse(w, http.StatusUnauthorized, models.ErrorResponse{Code: "Unauthorized", Error: "authentication required"})
	}
}

func enabled(u *domain.User) bool {
	return u != nil && (!u.Enabled.Valid || u.Enabled.Bool)
}

func withUser(ctx context.Context, u *domain.User) context.Context {
	ctx = context.WithValue(ctx, core.CtxKeyUsername, u.Username)
	return context.WithValue(ctx, core.CtxKeyUser, u)
}

// userFrom returns the authenticated user stored by RequireAuth.
func userFrom(ctx context.Context) *domain.User {
	u, _ := ctx.Value(core.CtxKeyUser).(*domain.User)
	return u
}

func (wc *AuthController) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.LoginRequest](r)
	if err != nil {
		util.WriteJSONResponse(w, http.StatusBadRequest, models.ErrorResponse{Code: "InvalidParams", Error: err.Error()})
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		util.WriteJSONResponse(w, http.StatusBadRequest, models.ErrorResponse{Code: "InvalidParams", Error: "username and password are required"})
		return
	}
	u, err := wc.UserRepo.FindByUsername(username)
	if err != nil {
		slog.Error("FindByUsername failed", "error", err)
		util.WriteJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse{Code: "Internal", Error: "server error"})
		return
	}
	// Compare bcrypt hashed password
	if !enabled(u) || bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)) != nil {
		util.WriteJSONResponse(w, http.StatusUnauthorized, models.ErrorResponse{Code: "Unauthorized", Error: "invalid username or password"})
		return
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		slog.Error("rand.Read failed", "error", err)
		util.WriteJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse{Code: "Internal", Error: "server error"})
		return
	}
	sessionID := hex.EncodeToString(buf)
	expiryHours := config.GetSystemSettingInteger(config.WEB_SESSION_EXPIRY_HOURS)
	expires := wc.now().Add(time.Duration(expiryHours) * time.Hour)
	if err := wc.UserRepo.UpdateSession(u.ID, sessionID, expires); err != nil {
		slog.Error("UpdateSession failed", "error", err)
		util.WriteJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse{Code: "Internal", Error: "server error"})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
	})
	slog.Info("User logged in", "username", u.Username)
	util.WriteJSONResponse(w, http.StatusOK, models.LoginResponse{Username: u.Username, Expires: expires})
}

// handleLogout clears the current session.
func (wc *AuthController) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		if err := wc.UserRepo.ClearSessionBySessionID(c.Value); err != nil {
			slog.Warn("Failed to clear session in DB during logout", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}
