package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-settlement/internal/auth"
	"github.com/ksred/klear-settlement/internal/config"
	"github.com/ksred/klear-settlement/internal/database"
	"github.com/ksred/klear-settlement/internal/events"
	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/internal/metrics"
	"github.com/ksred/klear-settlement/internal/netting"
	"github.com/ksred/klear-settlement/internal/risk"
	"github.com/ksred/klear-settlement/internal/settlement"
	"github.com/ksred/klear-settlement/pkg/middleware"

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

// main initializes and runs the settlement engine with graceful shutdown
// support. Shutdown order matters: intake closes first, the scheduler runs
// one final drain over whatever is queued, then the store closes.
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Shared infrastructure
	bus := events.NewBus()
	m := metrics.New()
	gateway := ledger.NewSimulatedGateway(cfg.GatewayMinLatency, cfg.GatewayMaxLatency, cfg.GatewayFailureRate)

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	riskService := risk.NewService(db, cfg, bus)
	nettingService := netting.NewService(db)
	settlementService := settlement.NewService(db, cfg, riskService, nettingService, bus, m)

	// Requeue anything a previous run left locked, then reload the queue
	if err := settlementService.RestoreQueue(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to restore pending instruction queue")
	}

	scheduler := settlement.NewScheduler(settlementService, riskService, nettingService, gateway, bus, m, cfg)
	settlementHandlers := settlement.NewGinHandlers(settlementService, scheduler)

	monitor := risk.NewMonitor(riskService, cfg.MonitorInterval)
	feeCollector := events.NewFeeCollector()

	engineCtx, engineCancel := context.WithCancel(context.Background())

	var engineWG sync.WaitGroup
	engineWG.Add(1)
	go func() {
		defer engineWG.Done()
		scheduler.Start(engineCtx)
	}()
	go monitor.Start(engineCtx)
	go feeCollector.Start(engineCtx, bus)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg, m, authHandlers, settlementHandlers)

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

	// Give outstanding requests 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the engine: cancellation triggers the scheduler's final drain,
	// so wait for it to finish before closing the store.
	engineCancel()
	engineWG.Wait()
	bus.Close()

	if err := database.Close(db); err != nil {
		zlog.Error().Err(err).Msg("Failed to close database")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Instruction/query routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	m *metrics.Metrics,
	authHandlers *auth.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Instruction and query routes
		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			protected.POST("/instructions", settlementHandlers.CreateInstructionHandler())
			protected.GET("/instructions/:instruction_id", settlementHandlers.GetInstructionHandler())
			protected.GET("/positions/:party_a/:party_b/:asset", settlementHandlers.GetPositionHandler())
			protected.GET("/collateral/:party", settlementHandlers.GetCollateralHandler())
			protected.GET("/cycles", settlementHandlers.GetCycleStatsHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/collateral/:party/deposit", settlementHandlers.DepositCollateralHandler())
			internal.POST("/cycles/run", settlementHandlers.RunCycleHandler())
		}
	}
}
