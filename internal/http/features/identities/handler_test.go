package identities

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roamly/accountd/internal/http/middleware"
	"github.com/roamly/accountd/pkg/domain"
)

type fakeService struct {
	identity  *domain.Identity
	list      []domain.Identity
	primaryID uuid.UUID
	err       error
}

func (f *fakeService) Bind(context.Context, uuid.UUID, domain.Credential) (*domain.Identity, error) {
	return f.identity, f.err
}

func (f *fakeService) List(context.Context, uuid.UUID) ([]domain.Identity, uuid.UUID, error) {
	return f.list, f.primaryID, f.err
}

func (f *fakeService) Unlink(context.Context, uuid.UUID, uuid.UUID) error {
	return f.err
}

func (f *fakeService) SetPrimary(context.Context, uuid.UUID, uuid.UUID) error {
	return f.err
}

func authedRequest(method, path, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	ctx := context.WithValue(req.Context(), middleware.AccountIDKey, uuid.New())
	return req.WithContext(ctx)
}

// withURLParam attaches a chi route parameter to the request context.
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestList(t *testing.T) {
	email := "user@example.com"
	primary := domain.Identity{
		ID: uuid.New(), AccountID: uuid.New(), Provider: domain.ProviderApple,
		ExternalID: "apple-sub-1", Email: &email, IsPrimary: true, LinkedAt: time.Now(),
	}
	handler := NewHandler(slog.Default(), &fakeService{
		list:      []domain.Identity{primary},
		primaryID: primary.ID,
	}, nil)

	rec := httptest.NewRecorder()
	handler.List(rec, authedRequest(http.MethodGet, "/v1/me/identities", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp ListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Identities) != 1 {
		t.Fatalf("identities = %d, want 1", len(resp.Identities))
	}
	if resp.PrimaryID != primary.ID.String() {
		t.Errorf("PrimaryID = %q, want %q", resp.PrimaryID, primary.ID)
	}
	if !resp.Identities[0].IsPrimary {
		t.Error("identity should be marked primary")
	}
}

func TestBind_Validation(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "invalid json",
			body:           `{invalid}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid request body",
		},
		{
			name:           "missing provider",
			body:           `{"assertion":"token"}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "provider is required",
		},
	}

	handler := NewHandler(slog.Default(), &fakeService{}, nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.Bind(rec, authedRequest(http.MethodPost, "/v1/me/identities", tt.body))

			if rec.Code != tt.expectedStatus {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.expectedStatus)
			}

			var response map[string]string
			json.NewDecoder(rec.Body).Decode(&response)
			if response["error"] != tt.expectedError {
				t.Errorf("Error = %q, want %q", response["error"], tt.expectedError)
			}
		})
	}
}

func TestBind_ErrorMapping(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"unknown provider", domain.ErrUnknownProvider, http.StatusBadRequest},
		{"bad credential", domain.ErrUnauthenticated, http.StatusUnauthorized},
		{"conflict", domain.ErrIdentityConflict, http.StatusConflict},
		{"disabled", domain.ErrAccountDisabled, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(slog.Default(), &fakeService{err: tt.err}, nil)

			rec := httptest.NewRecorder()
			handler.Bind(rec, authedRequest(http.MethodPost, "/v1/me/identities", `{"provider":"google","assertion":"token"}`))

			if rec.Code != tt.expectedStatus {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.expectedStatus)
			}
		})
	}
}

func TestBind_Success(t *testing.T) {
	identity := &domain.Identity{
		ID: uuid.New(), AccountID: uuid.New(), Provider: domain.ProviderGoogle,
		ExternalID: "google-sub-1", LinkedAt: time.Now(),
	}
	handler := NewHandler(slog.Default(), &fakeService{identity: identity}, nil)

	rec := httptest.NewRecorder()
	handler.Bind(rec, authedRequest(http.MethodPost, "/v1/me/identities", `{"provider":"google","assertion":"token"}`))

	if rec.Code != http.StatusCreated {
		t.Fatalf("Status code = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp IdentityResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != identity.ID.String() || resp.Provider != domain.ProviderGoogle {
		t.Errorf("response = %+v, want the bound identity", resp)
	}
}

func TestUnlink_ErrorMapping(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"success", nil, http.StatusNoContent},
		{"not found", domain.ErrIdentityNotFound, http.StatusNotFound},
		{"last identity", domain.ErrLastIdentity, http.StatusConflict},
		{"primary identity", domain.ErrCannotUnlinkPrimary, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(slog.Default(), &fakeService{err: tt.err}, nil)

			req := withURLParam(authedRequest(http.MethodDelete, "/v1/me/identities/x", ""), "id", uuid.NewString())
			rec := httptest.NewRecorder()
			handler.Unlink(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.expectedStatus)
			}
		})
	}
}

func TestUnlink_InvalidID(t *testing.T) {
	handler := NewHandler(slog.Default(), &fakeService{}, nil)

	req := withURLParam(authedRequest(http.MethodDelete, "/v1/me/identities/nope", ""), "id", "nope")
	rec := httptest.NewRecorder()
	handler.Unlink(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSetPrimary(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"success", nil, http.StatusNoContent},
		{"not found", domain.ErrIdentityNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(slog.Default(), &fakeService{err: tt.err}, nil)

			req := withURLParam(authedRequest(http.MethodPost, "/v1/me/identities/x/primary", ""), "id", uuid.NewString())
			rec := httptest.NewRecorder()
			handler.SetPrimary(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.expectedStatus)
			}
		})
	}
}
