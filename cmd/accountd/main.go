package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roamly/accountd/internal/config"
	"github.com/roamly/accountd/internal/database"
	httpserver "github.com/roamly/accountd/internal/http"
	"github.com/roamly/accountd/internal/metrics"
	"github.com/roamly/accountd/pkg/auth"
	"github.com/roamly/accountd/pkg/identity"
	"github.com/roamly/accountd/pkg/merge"
	"github.com/roamly/accountd/pkg/merge/aggregates"
	"github.com/roamly/accountd/pkg/repository"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	dbConfig := repository.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	// Apply schema migrations
	if cfg.RunMigrations {
		if err := database.RunMigrations(dbConfig.URL()); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	// Connect to database
	db, err := repository.NewDB(dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("connected to database")

	// Initialize repositories
	accountsRepo := repository.NewAccountsRepository(db)
	credsRepo := repository.NewCredentialsRepository(db)
	identitiesRepo := repository.NewIdentitiesRepository(db)
	sessionsRepo := repository.NewSessionsRepository(db)
	ledgerRepo := repository.NewMergeLedgerRepository(db, accountsRepo, identitiesRepo)

	// Initialize metrics
	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)

	// Initialize services
	accountService := auth.NewAccountService(db, accountsRepo, credsRepo, identitiesRepo)
	sessionService := auth.NewSessionService(auth.SessionConfig{
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		JWTSecret:       []byte(cfg.JWTSecret),
		Issuer:          cfg.JWTIssuer,
	}, sessionsRepo, accountsRepo)

	verifier := auth.NewVerifier(accountsRepo, credsRepo, identitiesRepo)
	if cfg.HasGoogle() {
		verifier.Register("google", auth.NewGoogleVerifier(cfg.GoogleClientIDs...))
		logger.Info("google sign-in enabled")
	}
	if cfg.HasApple() {
		verifier.Register("apple", auth.NewAppleVerifier(cfg.AppleClientIDs...))
		logger.Info("apple sign-in enabled")
	}

	identityService := identity.NewService(accountsRepo, identitiesRepo, verifier)

	registry := merge.NewRegistry(
		aggregates.NewCollections(db),
		aggregates.NewItineraries(db),
		aggregates.NewFavorites(db),
		aggregates.NewAchievements(db),
		aggregates.NewExperience(db),
		aggregates.NewBalance(db),
	)

	orchestrator := merge.NewOrchestrator(merge.Config{
		StaleAfter: cfg.MergeStaleAfter,
		Logger:     logger,
		Metrics:    collector,
	}, accountsRepo, ledgerRepo, registry, verifier, sessionService)

	// Create router
	router := httpserver.NewRouter(httpserver.RouterConfig{
		Logger:          logger,
		AccountService:  accountService,
		SessionService:  sessionService,
		IdentityService: identityService,
		Orchestrator:    orchestrator,
		Collector:       collector,
		Registry:        promRegistry,
		RateLimitConfig: cfg.RateLimit,
	})

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
