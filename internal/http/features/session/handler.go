// Package session implements token refresh and logout.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/roamly/accountd/internal/httputil"
	"github.com/roamly/accountd/pkg/domain"
)

// Refresher exchanges and revokes refresh tokens.
type Refresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*domain.TokenPair, error)
	RevokeSession(ctx context.Context, refreshToken string) error
}

// Handler handles session endpoints.
type Handler struct {
	sessions Refresher
}

// NewHandler creates a new session handler.
func NewHandler(sessions Refresher) *Handler {
	return &Handler{sessions: sessions}
}

// RefreshRequest represents a token refresh request.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest represents a logout request.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new access token.
// POST /v1/auth/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		httputil.Error(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	tokens, err := h.sessions.RefreshSession(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound),
			errors.Is(err, domain.ErrSessionExpired),
			errors.Is(err, domain.ErrSessionRevoked):
			httputil.Error(w, http.StatusUnauthorized, "invalid or expired refresh token")
		case errors.Is(err, domain.ErrAccountDisabled):
			httputil.Error(w, http.StatusForbidden, "account is disabled")
		default:
			httputil.Error(w, http.StatusInternalServerError, "token refresh failed")
		}
		return
	}

	httputil.JSON(w, http.StatusOK, tokens)
}

// Logout revokes the session behind a refresh token. Revoking an unknown
// token is not an error.
// POST /v1/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.RefreshToken != "" {
		if err := h.sessions.RevokeSession(r.Context(), req.RefreshToken); err != nil &&
			!errors.Is(err, domain.ErrSessionNotFound) {
			httputil.Error(w, http.StatusInternalServerError, "logout failed")
			return
		}
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
