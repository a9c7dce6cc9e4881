package main

import (
	"context"
	"strings"
	"time"

	"ledgerworks/internal/handlers"
	"ledgerworks/internal/ledger"
	"ledgerworks/internal/webhooks"
	"ledgerworks/pkg/auth"
	"ledgerworks/pkg/config"
	"ledgerworks/pkg/database"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/monitoring"
	"ledgerworks/pkg/server"
	"ledgerworks/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Credit Ledger API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	environment := config.GetEnv("ENVIRONMENT", "production")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom ledger metrics
	metrics := &handlers.Metrics{
		Mutations:           metricsCollector.NewCounter("mutations_total", "Balance mutations", []string{"entry_type", "status"}),
		WebhookDeliveries:   metricsCollector.NewCounter("webhook_deliveries_total", "Webhook delivery attempts", []string{"event_type", "status"}),
		RateLimitRejections: metricsCollector.NewCounter("rate_limit_rejections_total", "Requests rejected by rate limiting", []string{"route"}),
	}
	grantExpiries := metricsCollector.NewCounter("grant_expiries_total", "Credit grants expired", []string{"source"})
	metrics.GrantExpiries = grantExpiries.WithLabelValues("sweep")

	// Outbound webhook dispatcher
	var webhookURLs []string
	if raw := config.GetEnv("WEBHOOK_URLS", ""); raw != "" {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				webhookURLs = append(webhookURLs, u)
			}
		}
	}
	dispatcher := webhooks.NewDispatcher(logger, webhookURLs, config.GetEnv("WEBHOOK_SECRET", ""))
	dispatcher.SetMetrics(metrics.WebhookDeliveries)

	// Ledger service and grant sweeper
	ledgerService := ledger.NewService(db, logger,
		ledger.WithEventSink(dispatcher),
		ledger.WithEnvironment(environment),
	)
	sweeper := ledger.NewSweeper(db, logger, environment, dispatcher)

	// Initialize handlers
	handlers.Init(db, logger, ledgerService, sweeper, metrics)

	// Initialize and start JobManager for background ledger tasks
	jobManager := handlers.NewJobManager(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background ledger jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// Per-client rate limiter for the external mutation API
	limitPerMin := config.GetEnvInt("API_RATE_LIMIT_PER_MIN", 120)
	limiter := handlers.NewRateLimiter(limitPerMin, time.Minute, 10*time.Minute)

	// API routes
	{
		// External mutation endpoints (HMAC signed + rate limited)
		external := router.Group("")
		external.Use(handlers.HMACAuthMiddleware())
		external.Use(handlers.RateLimitMiddleware(limiter))
		{
			external.POST("/credits/deduct", handlers.DeductCredits)
			external.POST("/credits/refund", handlers.RefundCredits)
		}

		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/credits/balance/:owner_id", handlers.GetBalance)
			protected.GET("/credits/ledger/:owner_id", handlers.GetLedger)
			protected.PUT("/credits/settings/:owner_id", handlers.UpdateSettings)
		}

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/credits/grant", handlers.GrantCredits)
			serviceAPI.POST("/jobs/sweep-grants", handlers.SweepGrants)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	// Let in-flight webhook deliveries drain before exit
	dispatcher.Wait()
}
