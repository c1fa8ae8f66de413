// Package password implements email/password registration and login.
package password

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/roamly/accountd/internal/httputil"
	"github.com/roamly/accountd/pkg/auth"
	"github.com/roamly/accountd/pkg/domain"
)

// Registrar creates and authenticates password accounts.
type Registrar interface {
	Register(ctx context.Context, email, password string) (*domain.Account, error)
	Login(ctx context.Context, email, password string) (uuid.UUID, error)
}

// SessionIssuer issues token pairs for authenticated accounts.
type SessionIssuer interface {
	IssueSession(ctx context.Context, accountID uuid.UUID, opts auth.IssueSessionOpts) (*domain.TokenPair, error)
}

// Metrics records login events. May be nil.
type Metrics interface {
	Login(provider string)
}

// Handler handles password auth endpoints.
type Handler struct {
	logger   *slog.Logger
	accounts Registrar
	sessions SessionIssuer
	metrics  Metrics
}

// NewHandler creates a new password auth handler.
func NewHandler(logger *slog.Logger, accounts Registrar, sessions SessionIssuer, metrics Metrics) *Handler {
	return &Handler{
		logger:   logger,
		accounts: accounts,
		sessions: sessions,
		metrics:  metrics,
	}
}

// RegisterRequest represents a registration request.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest represents a login request.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse represents a successful auth response.
type AuthResponse struct {
	AccountID string            `json:"account_id"`
	Email     string            `json:"email,omitempty"`
	Tokens    *domain.TokenPair `json:"tokens"`
}

// Register creates a new account with password credentials.
// POST /v1/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := h.accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidEmail):
			httputil.Error(w, http.StatusBadRequest, "invalid email address")
		case errors.Is(err, auth.ErrWeakPassword):
			httputil.Error(w, http.StatusBadRequest, "password does not meet requirements")
		case errors.Is(err, domain.ErrAccountAlreadyExists):
			httputil.Error(w, http.StatusConflict, "an account with this email already exists")
		default:
			h.logger.Error("registration failed", "error", err)
			httputil.Error(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	tokens, err := h.sessions.IssueSession(r.Context(), account.ID, sessionOpts(r))
	if err != nil {
		h.logger.Error("failed to issue session after registration", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}

	httputil.JSON(w, http.StatusCreated, AuthResponse{
		AccountID: account.ID.String(),
		Email:     account.Email,
		Tokens:    tokens,
	})
}

// Login authenticates with email and password.
// POST /v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accountID, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnauthenticated):
			httputil.Error(w, http.StatusUnauthorized, "invalid email or password")
		case errors.Is(err, domain.ErrAccountDisabled):
			httputil.Error(w, http.StatusForbidden, "account is disabled")
		default:
			h.logger.Error("login failed", "error", err)
			httputil.Error(w, http.StatusInternalServerError, "login failed")
		}
		return
	}

	tokens, err := h.sessions.IssueSession(r.Context(), accountID, sessionOpts(r))
	if err != nil {
		h.logger.Error("failed to issue session", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "login failed")
		return
	}

	if h.metrics != nil {
		h.metrics.Login(domain.ProviderPassword)
	}

	httputil.JSON(w, http.StatusOK, AuthResponse{
		AccountID: accountID.String(),
		Tokens:    tokens,
	})
}

func sessionOpts(r *http.Request) auth.IssueSessionOpts {
	return auth.IssueSessionOpts{
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}
