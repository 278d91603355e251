package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"profitpilot/config"
	"profitpilot/internal/ai/ml"
	"profitpilot/internal/api"
	"profitpilot/internal/auth"
	"profitpilot/internal/billing"
	"profitpilot/internal/bot"
	"profitpilot/internal/cache"
	"profitpilot/internal/database"
	"profitpilot/internal/deriv"
	"profitpilot/internal/email"
	"profitpilot/internal/events"
	"profitpilot/internal/logging"
	"profitpilot/internal/settings"
	"profitpilot/internal/strategy"
	"profitpilot/internal/subscription"
	"profitpilot/internal/trading"
	"profitpilot/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	ctx := context.Background()

	// Database
	db, err := database.NewDB(database.Config{
		URL:      cfg.DatabaseConfig.URL,
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Name,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal("Failed to run migrations", "error", err)
	}
	repo := database.NewRepository(db)

	// Redis is optional; without it entitlement and settings reads go to Postgres
	var cacheService *cache.CacheService
	var entitlementCache subscription.Cache
	var settingsCache settings.Cache
	if cfg.RedisConfig.Enabled {
		cacheService, err = cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			logger.Fatal("Failed to initialize cache", "error", err)
		}
		defer cacheService.Close()
		entitlementCache = cacheService
		settingsCache = cacheService
	}

	// Event bus, fanned out to RabbitMQ when configured
	eventBus := events.NewEventBus()
	var broker events.BrokerPublisher
	if cfg.AMQPConfig.URL != "" {
		producer, err := events.NewAMQPProducer(cfg.AMQPConfig.URL)
		if err != nil {
			logger.Warn("AMQP unavailable, events will only be logged", "error", err)
		} else {
			broker = producer
		}
	}
	forwarder := events.NewAMQPForwarder(broker, cfg.AMQPConfig.Exchange)
	forwarder.Attach(eventBus)
	defer forwarder.Close()

	// Bot token secrets
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal("Failed to initialize vault client", "error", err)
	}
	if err := vaultClient.Health(ctx); err != nil {
		logger.Warn("Vault health check failed", "error", err)
	}

	mailer := email.NewService(cfg.EmailConfig)
	if !mailer.IsConfigured() {
		logger.Warn("SMTP not configured, account emails will not be sent")
	}

	// Subscription core and the expiry sweeper
	subscriptions := subscription.NewService(repo, entitlementCache, eventBus)
	sweeper := subscription.NewScheduler(subscriptions, cfg.SchedulerConfig.ExpirySweepSpec)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("Failed to start expiry sweeper", "error", err)
	}

	// Auth
	var throttle auth.Throttle = auth.NewDBThrottle(repo, cfg.AuthConfig.MaxLoginAttempts, cfg.AuthConfig.ThrottleWindow)
	if cacheService != nil {
		throttle = auth.NewRedisThrottle(cacheService, throttle, cfg.AuthConfig.MaxLoginAttempts, cfg.AuthConfig.ThrottleWindow)
	}
	authService, err := auth.NewService(repo, throttle, mailer, subscriptions, eventBus, auth.Config{
		JWTSecret:                cfg.AuthConfig.JWTSecret,
		AccessTokenDuration:      cfg.AuthConfig.AccessTokenDuration,
		MinPasswordLength:        cfg.AuthConfig.MinPasswordLength,
		RequireEmailVerification: cfg.AuthConfig.RequireEmailVerification,
		VerifyTokenTTL:           cfg.AuthConfig.VerifyTokenTTL,
		ResetTokenTTL:            cfg.AuthConfig.ResetTokenTTL,
		SiteBase:                 cfg.ServerConfig.SiteBase,
		MaxLoginAttempts:         cfg.AuthConfig.MaxLoginAttempts,
		ThrottleWindow:           cfg.AuthConfig.ThrottleWindow,
	})
	if err != nil {
		logger.Fatal("Failed to initialize auth service", "error", err)
	}
	if err := auth.SeedAdminUser(ctx, repo, authService.PasswordManager(), auth.AdminSeed{
		Email:    cfg.AdminConfig.Email,
		LoginID:  cfg.AdminConfig.LoginID,
		Password: cfg.AdminConfig.Password,
	}); err != nil {
		logger.Error("Failed to seed admin user", "error", err)
	}

	// Billing
	stripeService := billing.NewStripeService(cfg.BillingConfig, cfg.ServerConfig.SiteBase, repo, subscriptions, eventBus)
	cryptoClient, err := billing.NewNOWPaymentsClient(cfg.CryptoConfig, cfg.ServerConfig.SiteBase, repo, subscriptions, mailer, eventBus)
	if err != nil {
		logger.Fatal("Failed to initialize NOWPayments client", "error", err)
	}
	logger.Info("Billing initialized", "stripe", stripeService.IsConfigured(), "crypto", cryptoClient.IsConfigured())

	// Settings, strategies, execution and learning
	settingsService := settings.NewService(repo, vaultClient, settingsCache)
	engine := trading.NewEngine(strategy.DefaultRegistry(), trading.SettingsFromConfig(cfg.TradingConfig), repo, eventBus, logger.Zerolog())

	var learner api.Learner
	if l, err := ml.NewLearner(ml.LearnerConfigFromConfig(cfg.LearningConfig)); err != nil {
		logger.Error("Incremental learner unavailable", "error", err)
	} else {
		learner = l
	}

	// Per-user bots on the Deriv tick feed
	bots := bot.NewManager(deriv.NewClient(cfg.DerivConfig), engine, settingsService, subscriptions, eventBus, bot.Config{
		PriceWindow:  cfg.TradingConfig.PriceWindow,
		DefaultToken: cfg.DerivConfig.Token,
	})
	bots.Attach(eventBus)

	hub := api.NewUserWSHub()
	hub.Attach(eventBus)
	go hub.Run()

	server := api.NewServer(cfg.ServerConfig, api.Dependencies{
		Health:       repo,
		Auth:         authService,
		Entitlements: subscriptions,
		Users:        repo,
		Settings:     settingsService,
		Stripe:       stripeService,
		Crypto:       cryptoClient,
		Trading:      engine,
		Learner:      learner,
		Bots:         bots,
		Hub:          hub,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start web server", "error", err)
		}
	}()
	logger.Info("ProfitPilotAI started", "host", cfg.ServerConfig.Host, "port", cfg.ServerConfig.Port)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down web server", "error", err)
	}
	bots.StopAll()
	hub.Stop()
	<-sweeper.Stop().Done()

	logger.Info("Shutdown complete")
}
