package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/prospector-labs/prospector/internal/auth"
	"github.com/prospector-labs/prospector/internal/domain"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type accountResponse struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
}

// HandleSignUp handles POST /api/auth/signup.
func (h *Handler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	account, token, err := h.provider.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auth.ErrEmailInUse) || errors.Is(err, auth.ErrInvalidCredentials) {
			status = http.StatusBadRequest
		}
		// Provider error codes pass through verbatim; the presentation
		// layer owns mapping them to user-facing text.
		Error(w, status, err.Error())
		return
	}

	auth.SetSessionCookie(w, token, h.cfg.IsDevelopment())
	JSON(w, http.StatusCreated, accountResponse{AccountID: account.AccountID, Email: account.Email})
}

// HandleLogin handles POST /api/auth/login.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	account, token, err := h.provider.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auth.ErrInvalidCredentials) {
			status = http.StatusUnauthorized
		}
		Error(w, status, err.Error())
		return
	}

	auth.SetSessionCookie(w, token, h.cfg.IsDevelopment())
	JSON(w, http.StatusOK, accountResponse{AccountID: account.AccountID, Email: account.Email})
}

// HandleLogout handles POST /api/auth/logout. Signing out unmounts any live
// session so a later sign-in starts from a fresh identity binding.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if accountID := auth.AccountIDFromContext(r.Context()); accountID != "" {
		h.manager.Close(accountID)
	}
	auth.ClearSessionCookie(w, h.cfg.IsDevelopment())
	JSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// HandleGetProfile handles GET /api/profile.
func (h *Handler) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	accountID := requireAccount(w, r)
	if accountID == "" {
		return
	}

	profile, err := h.repo.GetProfile(r.Context(), accountID)
	if err != nil {
		slog.Error("failed to load profile", "account_id", accountID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	JSON(w, http.StatusOK, profile)
}

// HandlePutProfile handles PUT /api/profile, the second sign-up stage.
func (h *Handler) HandlePutProfile(w http.ResponseWriter, r *http.Request) {
	accountID := requireAccount(w, r)
	if accountID == "" {
		return
	}

	var profile domain.Profile
	if !h.decodeBody(w, r, &profile) {
		return
	}

	if err := h.repo.SetProfile(r.Context(), accountID, profile); err != nil {
		slog.Error("failed to store profile", "account_id", accountID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store profile")
		return
	}
	JSON(w, http.StatusOK, profile)
}
