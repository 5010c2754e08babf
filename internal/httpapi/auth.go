package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/service"
)

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req domain.SignUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := service.Validate(req); err != nil {
		a.fail(w, r, err)
		return
	}

	user, err := a.auth.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := service.Validate(req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, _, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.auth.Logout(r.Context(), sessionFrom(r))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"user": domain.User{ID: sess.UserID, Email: sess.Email, Role: sess.Role},
		"session": map[string]any{
			"id":         sess.ID,
			"expires_at": sess.ExpiresAt.Format(time.RFC3339),
		},
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req domain.ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := service.Validate(req); err != nil {
		a.fail(w, r, err)
		return
	}

	if err := a.auth.ChangePassword(r.Context(), sessionFrom(r), req.CurrentPassword, req.NewPassword); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.auth.ListUsers(r.Context(), sessionFrom(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req domain.RoleUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := service.Validate(req); err != nil {
		a.fail(w, r, err)
		return
	}

	if err := a.auth.SetRole(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), req.Role); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req domain.ResetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := service.Validate(req); err != nil {
		a.fail(w, r, err)
		return
	}

	if err := a.auth.ResetPassword(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), req.NewPassword); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.DeleteUser(r.Context(), sessionFrom(r), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
