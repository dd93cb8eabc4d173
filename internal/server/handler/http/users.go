// Package http provides the HTTP handlers for account management and
// device enrollment.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/textric/textric-server/internal/apperrors"
)

// UserService defines the account operations required by the user
// endpoints.
type UserService interface {
	// GenerateHandle issues a fresh handle candidate.
	GenerateHandle(ctx context.Context) (string, error)
	// CreateAccount claims a previously issued handle.
	CreateAccount(ctx context.Context, handle, password string) error
	// ChangePassword re-hashes the password and clears all devices.
	ChangePassword(ctx context.Context, handle, oldPass, newPass string) error
	// DeleteAccount removes the account after a password hash check.
	DeleteAccount(ctx context.Context, handle, passHash string) error
}

// UserHandler handles HTTP requests for handle issuance and account
// lifecycle.
type UserHandler struct {
	// UserService performs the underlying account operations.
	UserService UserService
}

// CreateAccountRequest represents the JSON payload for account creation.
type CreateAccountRequest struct {
	// Handle is a previously issued handle candidate.
	Handle string `json:"handle"`
	// Password is the new account's password.
	Password string `json:"password"`
}

// ChangePasswordRequest represents the JSON payload for a password change.
type ChangePasswordRequest struct {
	Handle      string `json:"handle"`
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// DeleteAccountRequest represents the JSON payload for account deletion.
type DeleteAccountRequest struct {
	Handle string `json:"handle"`
	// PassHash is the client-derived password hash.
	PassHash string `json:"passHash"`
}

// GenerateHandle issues a fresh handle and returns it as a plain-text
// body. The handle stays claimable for a limited time.
func (h *UserHandler) GenerateHandle(w http.ResponseWriter, r *http.Request) {
	handle, err := h.UserService.GenerateHandle(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(handle))
}

// CreateAccount creates an account for a previously issued handle.
// Responds 409 when the handle has no live candidate (expired, already
// consumed, or never issued).
func (h *UserHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" || req.Password == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	err := h.UserService.CreateAccount(r.Context(), req.Handle, req.Password)
	switch {
	case errors.Is(err, apperrors.ErrHandleNotViable):
		http.Error(w, "handle not viable", http.StatusConflict)
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ChangePassword verifies the old password and replaces it. All
// enrolled devices are deauthenticated as a side effect.
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" || req.NewPassword == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	err := h.UserService.ChangePassword(r.Context(), req.Handle, req.OldPassword, req.NewPassword)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrAuth):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteAccount removes the account after checking the presented
// password hash.
func (h *UserHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	var req DeleteAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	err := h.UserService.DeleteAccount(r.Context(), req.Handle, req.PassHash)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrAuth):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
