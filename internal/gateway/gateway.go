package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/agentdesk/control-plane/internal/billing"
	"github.com/agentdesk/control-plane/internal/ledger"
	"github.com/agentdesk/control-plane/internal/pricing"
	"github.com/agentdesk/control-plane/internal/quota"
	"github.com/agentdesk/control-plane/pkg/cache"
	"github.com/agentdesk/control-plane/pkg/database"
	"github.com/agentdesk/control-plane/pkg/events"
	"github.com/agentdesk/control-plane/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config carries the gateway-facing slice of the service configuration.
type Config struct {
	SessionJWTSecret string
	DashboardURL     string
	BalanceCacheTTL  time.Duration
}

// Gateway is the dashboard-facing HTTP API: credit queries, usage and
// quota reads, resource management and metered operation execution.
type Gateway struct {
	db             *database.Database
	cache          *cache.Cache
	logger         *zap.Logger
	router         *chi.Mux
	authenticator  *Authenticator
	engine         *ledger.Engine
	estimator      *pricing.Estimator
	evaluator      *quota.Evaluator
	webhookHandler *billing.WebhookHandler
	eventBus       *events.Bus
	runner         OperationRunner
	balanceTTL     time.Duration
	dashboardURL   string
}

// NewGateway creates the API gateway and wires its routes.
func NewGateway(db *database.Database, cacheClient *cache.Cache, logger *zap.Logger, engine *ledger.Engine, estimator *pricing.Estimator, evaluator *quota.Evaluator, webhookHandler *billing.WebhookHandler, eventBus *events.Bus, cfg Config) *Gateway {
	g := &Gateway{
		db:             db,
		cache:          cacheClient,
		logger:         logger,
		router:         chi.NewRouter(),
		authenticator:  NewAuthenticator([]byte(cfg.SessionJWTSecret), logger),
		engine:         engine,
		estimator:      estimator,
		evaluator:      evaluator,
		webhookHandler: webhookHandler,
		eventBus:       eventBus,
		runner:         &eventRunner{eventBus: eventBus},
		balanceTTL:     cfg.BalanceCacheTTL,
		dashboardURL:   cfg.DashboardURL,
	}

	g.setupRoutes()
	g.subscribeBalanceInvalidation()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	// Middleware
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", g.dashboardURL},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics endpoint
	g.router.Handle("/metrics", promhttp.Handler())

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Stripe webhook endpoint (no auth - uses signature verification)
	if g.webhookHandler != nil {
		g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)
	}

	// Dashboard endpoints (require a session token)
	g.router.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)

		// Credits
		r.Get("/v1/credits/balance", g.handleGetBalance)
		r.Get("/v1/credits/transactions", g.handleListTransactions)
		r.Get("/v1/credits/check", g.handleCheckCredits)
		r.Post("/v1/credits/estimate", g.handleEstimate)
		r.Post("/v1/credits/initialize", g.handleInitializeCredits)

		// Usage and quotas
		r.Get("/v1/usage", g.handleGetUsage)
		r.Get("/v1/usage/limits", g.handleGetUsageLimits)

		// Metered operations
		r.Post("/v1/operations", g.handleRunOperations)

		// Agents
		r.Post("/v1/agents", g.handleCreateAgent)
		r.Get("/v1/agents", g.handleListAgents)
		r.Delete("/v1/agents/{agent_id}", g.handleDeleteAgent)

		// Sessions
		r.Post("/v1/sessions", g.handleCreateSession)
		r.Get("/v1/sessions", g.handleListSessions)
		r.Post("/v1/sessions/{session_id}/end", g.handleEndSession)

		// Conversations
		r.Post("/v1/conversations", g.handleCreateConversation)
		r.Get("/v1/conversations", g.handleListConversations)
		r.Delete("/v1/conversations/{conversation_id}", g.handleDeleteConversation)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.RequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if g.db != nil {
		if err := g.db.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "database not ready")
			return
		}
	}

	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
