// Package merge implements the account consolidation endpoints.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/roamly/accountd/internal/http/middleware"
	"github.com/roamly/accountd/internal/httputil"
	"github.com/roamly/accountd/pkg/domain"
)

// Orchestrator is the merge surface the handlers depend on.
type Orchestrator interface {
	RequestMerge(ctx context.Context, targetID uuid.UUID, sourceCred domain.Credential) (*domain.MergeRecord, error)
	History(ctx context.Context, accountID uuid.UUID) ([]domain.MergeRecord, error)
}

// Handler handles merge endpoints.
type Handler struct {
	logger       *slog.Logger
	orchestrator Orchestrator
}

// NewHandler creates a new merge handler.
func NewHandler(logger *slog.Logger, orchestrator Orchestrator) *Handler {
	return &Handler{
		logger:       logger,
		orchestrator: orchestrator,
	}
}

// Request represents a merge request. The source credential proves control
// of the account being merged into the caller's account.
type Request struct {
	SourceProvider  string `json:"source_provider"`
	SourceAssertion string `json:"source_assertion,omitempty"`
	SourceEmail     string `json:"source_email,omitempty"`
	SourcePassword  string `json:"source_password,omitempty"`
}

// RecordResponse represents one merge record.
type RecordResponse struct {
	ID          string              `json:"id"`
	TargetID    string              `json:"target_id"`
	SourceID    string              `json:"source_id"`
	Status      domain.MergeStatus  `json:"status"`
	Summary     domain.MergeSummary `json:"summary"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// Merge consolidates the source account into the caller's account.
// POST /v1/me/merge
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceProvider == "" {
		httputil.Error(w, http.StatusBadRequest, "source_provider is required")
		return
	}

	record, err := h.orchestrator.RequestMerge(r.Context(), accountID, domain.Credential{
		Provider:  req.SourceProvider,
		Assertion: req.SourceAssertion,
		Email:     req.SourceEmail,
		Password:  req.SourcePassword,
	})
	if err != nil {
		h.writeMergeError(w, accountID, err)
		return
	}

	httputil.JSON(w, http.StatusOK, toResponse(*record))
}

// History returns the caller's merge records, most recent first.
// GET /v1/me/merges
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	records, err := h.orchestrator.History(r.Context(), accountID)
	if err != nil {
		h.logger.Error("failed to load merge history", "account", accountID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to load merge history")
		return
	}

	resp := make([]RecordResponse, 0, len(records))
	for _, record := range records {
		resp = append(resp, toResponse(record))
	}
	httputil.JSON(w, http.StatusOK, resp)
}

func (h *Handler) writeMergeError(w http.ResponseWriter, accountID uuid.UUID, err error) {
	var aggErr *domain.AggregateMergeError
	switch {
	case errors.Is(err, domain.ErrUnknownProvider):
		httputil.Error(w, http.StatusBadRequest, "unknown provider")
	case errors.Is(err, domain.ErrUnauthenticated):
		httputil.Error(w, http.StatusUnauthorized, "source credential verification failed")
	case errors.Is(err, domain.ErrSelfMerge):
		httputil.Error(w, http.StatusBadRequest, "cannot merge an account into itself")
	case errors.Is(err, domain.ErrSourceAlreadyDisabled):
		httputil.Error(w, http.StatusConflict, "source account has already been merged or disabled")
	case errors.Is(err, domain.ErrMergeInProgress):
		httputil.Error(w, http.StatusConflict, "a merge for this account pair is already in progress")
	case errors.Is(err, domain.ErrAccountDisabled):
		httputil.Error(w, http.StatusForbidden, "account is disabled")
	case errors.As(err, &aggErr):
		h.logger.Error("merge failed mid-flight, retry will resume",
			"account", accountID, "aggregate", aggErr.Aggregate, "error", err)
		httputil.Error(w, http.StatusServiceUnavailable, "merge could not complete; retry the request")
	default:
		h.logger.Error("merge failed", "account", accountID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "merge failed")
	}
}

func toResponse(record domain.MergeRecord) RecordResponse {
	return RecordResponse{
		ID:          record.ID.String(),
		TargetID:    record.TargetID.String(),
		SourceID:    record.SourceID.String(),
		Status:      record.Status,
		Summary:     record.Summary,
		CreatedAt:   record.CreatedAt,
		CompletedAt: record.CompletedAt,
	}
}
