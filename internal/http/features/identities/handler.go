// Package identities implements the identity store endpoints: listing,
// binding, unlinking, and primary reassignment.
package identities

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roamly/accountd/internal/http/middleware"
	"github.com/roamly/accountd/internal/httputil"
	"github.com/roamly/accountd/pkg/domain"
)

// Service is the identity store surface the handlers depend on.
type Service interface {
	Bind(ctx context.Context, accountID uuid.UUID, cred domain.Credential) (*domain.Identity, error)
	List(ctx context.Context, accountID uuid.UUID) ([]domain.Identity, uuid.UUID, error)
	Unlink(ctx context.Context, accountID, identityID uuid.UUID) error
	SetPrimary(ctx context.Context, accountID, identityID uuid.UUID) error
}

// Metrics records identity bind events. May be nil.
type Metrics interface {
	IdentityBound(provider string)
}

// Handler handles identity endpoints.
type Handler struct {
	logger     *slog.Logger
	identities Service
	metrics    Metrics
}

// NewHandler creates a new identities handler.
func NewHandler(logger *slog.Logger, identities Service, metrics Metrics) *Handler {
	return &Handler{
		logger:     logger,
		identities: identities,
		metrics:    metrics,
	}
}

// BindRequest represents an identity bind request. The credential proves
// control of the external identity being linked.
type BindRequest struct {
	Provider  string `json:"provider"`
	Assertion string `json:"assertion,omitempty"`
	Email     string `json:"email,omitempty"`
	Password  string `json:"password,omitempty"`
}

// IdentityResponse represents one linked identity.
type IdentityResponse struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	Email      *string   `json:"email,omitempty"`
	IsPrimary  bool      `json:"is_primary"`
	LinkedAt   time.Time `json:"linked_at"`
}

// ListResponse represents the account's identities.
type ListResponse struct {
	Identities []IdentityResponse `json:"identities"`
	PrimaryID  string             `json:"primary_id,omitempty"`
}

// List returns the caller's identities in link order.
// GET /v1/me/identities
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	identities, primaryID, err := h.identities.List(r.Context(), accountID)
	if err != nil {
		h.logger.Error("failed to list identities", "account", accountID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to list identities")
		return
	}

	resp := ListResponse{Identities: make([]IdentityResponse, 0, len(identities))}
	for _, identity := range identities {
		resp.Identities = append(resp.Identities, toResponse(identity))
	}
	if primaryID != uuid.Nil {
		resp.PrimaryID = primaryID.String()
	}

	httputil.JSON(w, http.StatusOK, resp)
}

// Bind links a verified external identity to the caller's account.
// POST /v1/me/identities
func (h *Handler) Bind(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req BindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" {
		httputil.Error(w, http.StatusBadRequest, "provider is required")
		return
	}

	identity, err := h.identities.Bind(r.Context(), accountID, domain.Credential{
		Provider:  req.Provider,
		Assertion: req.Assertion,
		Email:     req.Email,
		Password:  req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownProvider):
			httputil.Error(w, http.StatusBadRequest, "unknown provider")
		case errors.Is(err, domain.ErrUnauthenticated):
			httputil.Error(w, http.StatusUnauthorized, "credential verification failed")
		case errors.Is(err, domain.ErrIdentityConflict):
			httputil.Error(w, http.StatusConflict, "identity is already linked to another account")
		case errors.Is(err, domain.ErrAccountDisabled):
			httputil.Error(w, http.StatusForbidden, "account is disabled")
		default:
			h.logger.Error("failed to bind identity", "account", accountID, "error", err)
			httputil.Error(w, http.StatusInternalServerError, "failed to bind identity")
		}
		return
	}

	if h.metrics != nil {
		h.metrics.IdentityBound(identity.Provider)
	}

	httputil.JSON(w, http.StatusCreated, toResponse(*identity))
}

// SetPrimary designates an identity as the account's primary.
// POST /v1/me/identities/{id}/primary
func (h *Handler) SetPrimary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	identityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid identity id")
		return
	}

	if err := h.identities.SetPrimary(r.Context(), accountID, identityID); err != nil {
		switch {
		case errors.Is(err, domain.ErrIdentityNotFound):
			httputil.Error(w, http.StatusNotFound, "identity not found")
		default:
			h.logger.Error("failed to set primary identity", "account", accountID, "error", err)
			httputil.Error(w, http.StatusInternalServerError, "failed to set primary identity")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Unlink removes an identity from the account.
// DELETE /v1/me/identities/{id}
func (h *Handler) Unlink(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	identityID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid identity id")
		return
	}

	if err := h.identities.Unlink(r.Context(), accountID, identityID); err != nil {
		switch {
		case errors.Is(err, domain.ErrIdentityNotFound):
			httputil.Error(w, http.StatusNotFound, "identity not found")
		case errors.Is(err, domain.ErrLastIdentity):
			httputil.Error(w, http.StatusConflict, "cannot unlink the account's only identity")
		case errors.Is(err, domain.ErrCannotUnlinkPrimary):
			httputil.Error(w, http.StatusConflict, "cannot unlink the primary identity")
		default:
			h.logger.Error("failed to unlink identity", "account", accountID, "error", err)
			httputil.Error(w, http.StatusInternalServerError, "failed to unlink identity")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toResponse(identity domain.Identity) IdentityResponse {
	return IdentityResponse{
		ID:         identity.ID.String(),
		Provider:   identity.Provider,
		ExternalID: identity.ExternalID,
		Email:      identity.Email,
		IsPrimary:  identity.IsPrimary,
		LinkedAt:   identity.LinkedAt,
	}
}
