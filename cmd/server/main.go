package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentdesk/control-plane/internal/billing"
	"github.com/agentdesk/control-plane/internal/config"
	"github.com/agentdesk/control-plane/internal/gateway"
	"github.com/agentdesk/control-plane/internal/ledger"
	"github.com/agentdesk/control-plane/internal/pricing"
	"github.com/agentdesk/control-plane/internal/quota"
	"github.com/agentdesk/control-plane/pkg/cache"
	"github.com/agentdesk/control-plane/pkg/database"
	"github.com/agentdesk/control-plane/pkg/events"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting AgentDesk Control Plane")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	// Apply schema
	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatal("failed to apply database schema", zap.Error(err))
	}
	migrateCancel()
	logger.Info("applied database schema")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)
	logger.Info("initialized event bus")

	// Initialize credit ledger engine
	ledgerStore := ledger.NewPostgresStore(db)
	ledgerEngine := ledger.NewEngine(ledgerStore, logger, eventBus, cfg.Billing.SignupGrantCredits)
	logger.Info("initialized credit ledger",
		zap.Int64("signup_grant", cfg.Billing.SignupGrantCredits),
	)

	// Initialize pricing estimator
	estimator := pricing.NewEstimator(pricing.DefaultTable())
	logger.Info("initialized pricing estimator",
		zap.String("pricing_version", estimator.Version()),
	)

	// Initialize quota evaluator
	counter := quota.NewPostgresCounter(db, logger)
	evaluator := quota.NewEvaluator(counter, quota.DefaultLimits())
	logger.Info("initialized quota evaluator")

	// Initialize webhook handler with event bus
	webhookHandler := billing.NewWebhookHandler(
		cfg.Billing.StripeWebhookSecret,
		ledgerEngine,
		billing.NewPostgresTenantDirectory(db),
		billing.NewPostgresEventStore(db),
		redisCache,
		logger,
		eventBus,
	)
	logger.Info("initialized webhook handler")

	// Initialize API gateway with event bus
	gw := gateway.NewGateway(db, redisCache, logger, ledgerEngine, estimator, evaluator, webhookHandler, eventBus, gateway.Config{
		SessionJWTSecret: cfg.Security.SessionJWTSecret,
		DashboardURL:     cfg.Server.DashboardURL,
		BalanceCacheTTL:  cfg.Billing.BalanceCacheTTL,
	})
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
