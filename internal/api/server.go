package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"profitpilot/config"
	"profitpilot/internal/auth"
	"profitpilot/internal/billing"
	"profitpilot/internal/bot"
	"profitpilot/internal/database"
	"profitpilot/internal/logging"
	"profitpilot/internal/settings"
	"profitpilot/internal/strategy"
	"profitpilot/internal/subscription"
	"profitpilot/internal/trading"
)

// RateLimiter provides simple in-memory rate limiting per key
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// HealthChecker pings the database
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Entitlements is the subscription core as the HTTP layer uses it
type Entitlements interface {
	Status(ctx context.Context, userID string) (subscription.Entitlement, error)
	IsEntitled(ctx context.Context, userID string) (bool, error)
	Grant(ctx context.Context, identifier string, plan subscription.Plan) (*time.Time, error)
	Extend(ctx context.Context, identifier string, days int) (*time.Time, error)
	Revoke(ctx context.Context, identifier string) error
	DeleteUser(ctx context.Context, identifier string) error
	ListActive(ctx context.Context, now time.Time) ([]subscription.UserEntitlement, error)
	ListAll(ctx context.Context) ([]subscription.UserEntitlement, error)
}

// UserStore covers the account reads and admin writes. *database.Repository satisfies it.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*database.User, error)
	GetUserByIdentifier(ctx context.Context, identifier string) (*database.User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	CreateUser(ctx context.Context, user *database.User) error
	UpdateUserRole(ctx context.Context, userID, role string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	GetRecentTradeLogs(ctx context.Context, userID string, limit int) ([]database.TradeLog, error)
}

// SettingsService reads and writes bot profiles
type SettingsService interface {
	Get(ctx context.Context, userID string) (*database.UserSettings, error)
	Update(ctx context.Context, userID string, req settings.UpdateRequest) (*database.UserSettings, error)
}

// StripeBilling is the card checkout provider
type StripeBilling interface {
	IsConfigured() bool
	PublishableKey() string
	CreateCheckoutSession(ctx context.Context, email, userID string) (string, error)
	CreatePortalSession(ctx context.Context, userID string) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*billing.WebhookResult, error)
}

// CryptoBilling is the crypto invoice provider
type CryptoBilling interface {
	IsConfigured() bool
	CreateInvoice(ctx context.Context, email string) (string, error)
	HandleIPN(ctx context.Context, raw []byte, signature string) (*billing.WebhookResult, error)
}

// TradingEngine evaluates strategies and keeps the simulated book
type TradingEngine interface {
	Registry() *strategy.Registry
	EvaluateAndTrade(ctx context.Context, userID, strategyName string, state strategy.MarketState, dryRun bool) (*trading.Result, error)
	Orders(userID string) []trading.Receipt
	Portfolio(userID string) map[string]trading.Position
}

// Learner is the online regressor behind /train and /predict
type Learner interface {
	FeatureCount() int
	Samples() int64
	PartialTrain(X [][]float64, y []float64) error
	Predict(features []float64) (float64, error)
}

// BotManager runs the per-user bots
type BotManager interface {
	Start(ctx context.Context, userID string, isAdmin bool) (bot.Status, error)
	Pause(userID string) (bot.Status, error)
	Stop(userID string) (bot.Status, error)
	Status(userID string) bot.Status
}

// Dependencies wires the services behind the HTTP surface. Stripe, Crypto,
// Learner and Hub may be nil; their routes then answer 503.
type Dependencies struct {
	Health       HealthChecker
	Auth         *auth.Service
	Entitlements Entitlements
	Users        UserStore
	Settings     SettingsService
	Stripe       StripeBilling
	Crypto       CryptoBilling
	Trading      TradingEngine
	Learner      Learner
	Bots         BotManager
	Hub          *UserWSHub
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      config.ServerConfig
	deps        Dependencies
	authHandler *auth.Handlers
	rateLimiter *RateLimiter
	startedAt   time.Time
	logger      *logging.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "HEAD"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Stripe-Signature", billing.SignatureHeader, logging.TraceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		config:      cfg,
		deps:        deps,
		authHandler: auth.NewHandlers(deps.Auth),
		rateLimiter: NewRateLimiter(120, time.Minute),
		startedAt:   time.Now().UTC(),
		logger:      logging.WithComponent("api"),
	}
	s.setupRoutes()
	return s
}

// Router exposes the gin engine, mainly for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	jwtManager := s.deps.Auth.GetJWTManager()

	// Public
	s.router.GET("/health", s.handleHealth)
	s.router.HEAD("/health", s.handleHealth)
	s.router.GET("/uptime", s.handleUptime)
	s.router.HEAD("/uptime", s.handleUptime)
	s.router.GET("/_ping", s.handleUptime)
	s.router.GET("/robots.txt", s.handleRobots)
	s.router.GET("/strategies", s.handleStrategies)
	s.router.GET("/pairs", s.handlePairs)
	s.router.GET("/api/auth/status", auth.OptionalMiddleware(jwtManager), s.authHandler.Status)

	s.authHandler.RegisterRoutes(s.router.Group("/auth"))

	// Signature-authenticated provider callbacks
	s.router.POST("/webhooks/stripe", s.handleStripeWebhook)
	s.router.POST("/crypto/ipn", s.handleCryptoIPN)

	// Bearer
	user := s.router.Group("")
	user.Use(auth.Middleware(jwtManager))
	{
		user.GET("/dashboard", s.handleDashboard)
		user.GET("/user/settings", s.handleGetUserSettings)
		user.POST("/user/settings", s.handleUpdateUserSettings)
		user.GET("/ws", s.handleUserWebSocket)

		user.POST("/billing/checkout", s.handleStripeCheckout)
		user.POST("/billing/portal", s.handleStripePortal)
		user.POST("/crypto/subscribe", s.handleCryptoSubscribe)
	}

	// Bearer plus an active subscription
	gated := s.router.Group("")
	gated.Use(auth.Middleware(jwtManager), s.RequireActiveSubscription(), s.rateLimit())
	{
		gated.POST("/trade", s.handleTrade)
		gated.GET("/orders", s.handleOrders)
		gated.GET("/portfolio", s.handlePortfolio)
		gated.POST("/train", s.handleTrain)
		gated.POST("/predict", s.handlePredict)

		gated.POST("/bot/start", s.handleBotStart)
		gated.POST("/bot/pause", s.handleBotPause)
		gated.POST("/bot/stop", s.handleBotStop)
		gated.GET("/bot/status", s.handleBotStatus)
	}

	admin := s.router.Group("/_admin/api")
	admin.Use(auth.Middleware(jwtManager), auth.RequireAdmin())
	{
		admin.GET("/users", s.handleAdminListUsers)
		admin.GET("/users/active", s.handleAdminListActive)
		admin.POST("/users", s.handleAdminCreateUser)
		admin.POST("/users/grant", s.handleAdminGrant)
		admin.POST("/users/revoke", s.handleAdminRevoke)
		admin.POST("/users/extend", s.handleAdminExtend)
		admin.PUT("/users/:identifier", s.handleAdminUpdateUser)
		admin.DELETE("/users/:identifier", s.handleAdminDeleteUser)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "NOT_FOUND",
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		})
	})
}

// RequireActiveSubscription rejects callers without an active entitlement with 402.
// Admins pass through.
func (s *Server) RequireActiveSubscription() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.IsAdmin(c) {
			c.Next()
			return
		}

		ok, err := s.deps.Entitlements.IsEntitled(c.Request.Context(), auth.GetUserID(c))
		if err != nil {
			logging.FromContext(c.Request.Context()).Error("Entitlement check failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "INTERNAL_ERROR",
				"message": "failed to check subscription",
			})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "SUBSCRIPTION_REQUIRED",
				"message": "an active subscription is required",
			})
			return
		}
		c.Next()
	}
}

// rateLimit throttles each user on the gated endpoints
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := auth.GetUserID(c) + ":" + c.FullPath()
		if !s.rateLimiter.Allow(key) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  seconds(s.config.ReadTimeout, 15),
		WriteTimeout: seconds(s.config.WriteTimeout, 15),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// handleHealth reports database health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			logging.FromContext(ctx).Warn("Health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"service":  "profitpilotai",
				"database": "unhealthy",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "profitpilotai",
		"database": "healthy",
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleUptime(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRobots(c *gin.Context) {
	c.String(http.StatusOK, "User-agent: *\nDisallow: /_admin\n")
}

// handleStrategies lists the registered strategy names
func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.deps.Trading.Registry().List()})
}

// handlePairs lists the tradable symbols
func (s *Server) handlePairs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pairs": settings.SupportedPairs()})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"error":   code,
		"message": message,
	})
}

// internalError logs err against the request and answers 500
func internalError(c *gin.Context, message string, err error) {
	logging.FromContext(c.Request.Context()).Error(message, "error", err)
	errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}
