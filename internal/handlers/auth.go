package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/auth"
	"github.com/pliu/duochat/internal/identity"
	"github.com/pliu/duochat/internal/middleware"
	"github.com/pliu/duochat/internal/models"
)

type AuthHandler struct {
	Accounts *identity.Accounts
	Issuer   *auth.Issuer
	Log      zerolog.Logger
}

type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ProfileRequest struct {
	Name string `json:"name"`
}

type PasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.Accounts.Register(r.Context(), req.Name, req.Email, req.Password)
	if errors.Is(err, identity.ErrEmailTaken) {
		http.Error(w, "Email already registered", http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	if !h.startSession(w, user) {
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds identity.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.Accounts.Authenticate(r.Context(), creds)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	if !h.startSession(w, user) {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) startSession(w http.ResponseWriter, user *models.User) bool {
	token, err := h.Issuer.Issue(user.ID)
	if err != nil {
		h.Log.Error().Err(err).Msg("issue session token")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}
	h.Issuer.SetCookie(w, token)
	return true
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	users, err := h.Accounts.Search(r.Context(), r.URL.Query().Get("q"), userID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	for i := range users {
		users[i].Email = maskEmail(users[i].Email)
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.Accounts.User(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, err := h.Accounts.UpdateName(r.Context(), middleware.UserIDFromContext(r.Context()), req.Name)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := h.Accounts.ChangePassword(r.Context(), middleware.UserIDFromContext(r.Context()),
		req.CurrentPassword, req.NewPassword)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		http.Error(w, "Current password is incorrect", http.StatusForbidden)
		return
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// maskEmail keeps the first character of the local part and the domain.
func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return email
	}
	return local[:1] + "***@" + domain
}
