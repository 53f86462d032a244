package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/exchange-api/internal/auth"
	"github.com/ksred/exchange-api/internal/config"
	"github.com/ksred/exchange-api/internal/database"
	"github.com/ksred/exchange-api/internal/events"
	"github.com/ksred/exchange-api/internal/expiry"
	"github.com/ksred/exchange-api/internal/holdings"
	"github.com/ksred/exchange-api/internal/matching"
	"github.com/ksred/exchange-api/internal/orders"
	"github.com/ksred/exchange-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the exchange API server with graceful shutdown
// support. It wires the database, the core services, and the background
// jobs: matching processor, expiry sweeper, and the optional Kafka event
// consumer.
func main() {
	cfg := config.Load()

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	authService.RegisterAPICredentials(cfg.APIKey, cfg.APISecret)

	holdingsManager := holdings.NewManager(db)
	holdingsHandlers := holdings.NewGinHandlers(holdingsManager)

	ordersService := orders.NewService(db, holdingsManager)
	ordersHandlers := orders.NewGinHandlers(ordersService)

	matchingEngine := matching.NewEngine(db, holdingsManager)
	matchingHandlers := matching.NewGinHandlers(matchingEngine)

	expirySweeper := expiry.NewSweeper(db, holdingsManager, cfg.ExpiryInterval)
	expiryHandlers := expiry.NewGinHandlers(expirySweeper)

	eventConsumer := events.NewConsumer(db, holdingsManager)
	eventHandlers := events.NewGinHandlers(eventConsumer)

	// Start background jobs
	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()

	matchingProcessor := matching.NewProcessor(matchingEngine, cfg.MatchingInterval)
	go matchingProcessor.Start(jobCtx)
	go expirySweeper.Start(jobCtx)

	if len(cfg.KafkaBrokers) > 0 {
		kafkaConsumer := events.NewKafkaConsumer(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, eventConsumer)
		defer kafkaConsumer.Close()
		go kafkaConsumer.Start(jobCtx)
	}

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, ordersHandlers, holdingsHandlers, matchingHandlers, expiryHandlers, eventHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop scheduling further passes; in-flight transactions finish or
	// roll back on their own.
	jobCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order and holdings routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	ordersHandlers *orders.GinHandlers,
	holdingsHandlers *holdings.GinHandlers,
	matchingHandlers *matching.GinHandlers,
	expiryHandlers *expiry.GinHandlers,
	eventHandlers *events.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			ordersGroup.POST("", ordersHandlers.PlaceOrderHandler())
			ordersGroup.GET("/:order_id", ordersHandlers.GetOrderHandler())
			ordersGroup.PATCH("/:order_id", ordersHandlers.UpdateOrderHandler())
			ordersGroup.PATCH("/:order_id/cancel", ordersHandlers.CancelOrderHandler())
			ordersGroup.GET("/book/:pair_id", ordersHandlers.GetOrderBookHandler())
			ordersGroup.GET("/activities/:pair_id", ordersHandlers.GetActivitiesHandler())
		}

		// Holdings routes
		holdingsGroup := v1.Group("/holdings")
		holdingsGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			holdingsGroup.GET("/:investor_id", holdingsHandlers.GetHoldingsHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/matching/run", matchingHandlers.RunPassHandler())
			internal.POST("/expiry/run", expiryHandlers.RunSweepHandler())
			internal.POST("/trades/manual", matchingHandlers.ManualTradeHandler())
			internal.GET("/sync-errors", eventHandlers.ListSyncErrorsHandler())
			internal.POST("/sync-errors/:id/resolve", eventHandlers.ResolveSyncErrorHandler())
		}
	}
}
