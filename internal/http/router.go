package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roamly/accountd/internal/config"
	"github.com/roamly/accountd/internal/http/features/identities"
	mergefeature "github.com/roamly/accountd/internal/http/features/merge"
	"github.com/roamly/accountd/internal/http/features/password"
	"github.com/roamly/accountd/internal/http/features/session"
	"github.com/roamly/accountd/internal/http/middleware"
	"github.com/roamly/accountd/internal/httputil"
	"github.com/roamly/accountd/internal/metrics"
	"github.com/roamly/accountd/pkg/auth"
	"github.com/roamly/accountd/pkg/identity"
	"github.com/roamly/accountd/pkg/merge"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger          *slog.Logger
	AccountService  *auth.AccountService
	SessionService  *auth.SessionService
	IdentityService *identity.Service
	Orchestrator    *merge.Orchestrator
	Collector       *metrics.Collector
	Registry        *prometheus.Registry
	RateLimitConfig config.RateLimitConfig
}

// NewRouter creates a new HTTP router with all routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply global middleware
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(cfg.Registry))
	}

	rateLimiters := middleware.CreateRateLimiters(cfg.RateLimitConfig, cfg.Logger)

	// Password authentication
	passwordHandler := password.NewHandler(cfg.Logger, cfg.AccountService, cfg.SessionService, cfg.Collector)
	r.Group(func(r chi.Router) {
		r.Use(rateLimiters["auth"])
		r.Post("/v1/auth/register", passwordHandler.Register)
		r.Post("/v1/auth/login", passwordHandler.Login)
	})

	// Session management
	sessionHandler := session.NewHandler(cfg.SessionService)
	r.Group(func(r chi.Router) {
		r.Use(rateLimiters["auth"])
		r.Post("/v1/auth/refresh", sessionHandler.Refresh)
	})
	r.Post("/v1/auth/logout", sessionHandler.Logout)

	// Identity store
	identitiesHandler := identities.NewHandler(cfg.Logger, cfg.IdentityService, cfg.Collector)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.SessionService))
		r.Use(rateLimiters["profile"])
		r.Get("/v1/me/identities", identitiesHandler.List)
		r.Post("/v1/me/identities", identitiesHandler.Bind)
		r.Post("/v1/me/identities/{id}/primary", identitiesHandler.SetPrimary)
		r.Delete("/v1/me/identities/{id}", identitiesHandler.Unlink)
	})

	// Account consolidation
	mergeHandler := mergefeature.NewHandler(cfg.Logger, cfg.Orchestrator)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.SessionService))
		r.Use(rateLimiters["merge"])
		r.Post("/v1/me/merge", mergeHandler.Merge)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.SessionService))
		r.Use(rateLimiters["profile"])
		r.Get("/v1/me/merges", mergeHandler.History)
	})

	return r
}
