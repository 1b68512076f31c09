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

	"github.com/dealbridge/dealbridge-api/internal/auth"
	"github.com/dealbridge/dealbridge-api/internal/bids"
	"github.com/dealbridge/dealbridge-api/internal/config"
	"github.com/dealbridge/dealbridge-api/internal/connections"
	"github.com/dealbridge/dealbridge-api/internal/database"
	"github.com/dealbridge/dealbridge-api/internal/deals"
	"github.com/dealbridge/dealbridge-api/internal/negotiations"
	"github.com/dealbridge/dealbridge-api/internal/notify"
	"github.com/dealbridge/dealbridge-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// configureLogging sets up application logging from the loaded configuration
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via the DEBUG setting
func configureLogging(cfg *config.Config) {
	// Configure pretty logging for development
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the marketplace API server with graceful shutdown
// support. It sets up all required services, the database connection, the
// push notification hub, and the API routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	configureLogging(cfg)

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
	// Register test credentials
	authService.RegisterTestUsers()

	// Create and start the notification hub
	hub := notify.NewHub()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()

	go hub.Start(hubCtx)

	dealsService := deals.NewService(db)
	dealsHandlers := deals.NewGinHandlers(dealsService)

	bidsService := bids.NewService(db, hub)
	bidsHandlers := bids.NewGinHandlers(bidsService)

	negotiationsService := negotiations.NewService(db, hub)
	negotiationsHandlers := negotiations.NewGinHandlers(negotiationsService)

	connectionsService := connections.NewService(db, hub)
	connectionsHandlers := connections.NewGinHandlers(connectionsService)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg, hub, authService,
		authHandlers, dealsHandlers, bidsHandlers, negotiationsHandlers, connectionsHandlers)

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
// - Deal, bid, negotiation and connection routes: Protected by JWT authentication
// - Websocket route: Authenticated during the upgrade handshake
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	hub *notify.Hub,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	dealsHandlers *deals.GinHandlers,
	bidsHandlers *bids.GinHandlers,
	negotiationsHandlers *negotiations.GinHandlers,
	connectionsHandlers *connections.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Websocket push channel; authenticates its own token so browser
		// clients can connect without setting headers
		v1.GET("/ws", hub.ServeWS(authService))

		// Deal routes
		dealsGroup := v1.Group("/deals")
		dealsGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			dealsGroup.POST("", dealsHandlers.CreateDealHandler())
			dealsGroup.GET("", dealsHandlers.ListDealsHandler())
			dealsGroup.GET("/:deal_id", dealsHandlers.GetDealHandler())
			dealsGroup.PUT("/:deal_id", dealsHandlers.UpdateDealHandler())
			dealsGroup.DELETE("/:deal_id", dealsHandlers.CancelDealHandler())
			dealsGroup.GET("/:deal_id/bids", bidsHandlers.ListBidsByDealHandler())
		}

		// Bid routes
		bidsGroup := v1.Group("/bids")
		bidsGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			bidsGroup.POST("", bidsHandlers.SubmitBidHandler())
			bidsGroup.GET("/:bid_id", bidsHandlers.GetBidHandler())
			bidsGroup.POST("/:bid_id/withdraw", bidsHandlers.WithdrawBidHandler())
			bidsGroup.POST("/:bid_id/accept", bidsHandlers.AcceptBidHandler())
			bidsGroup.POST("/:bid_id/reject", bidsHandlers.RejectBidHandler())
			bidsGroup.GET("/:bid_id/negotiations", negotiationsHandlers.ListRoundsHandler())
		}

		// Negotiation routes
		negotiationsGroup := v1.Group("/negotiations")
		negotiationsGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			negotiationsGroup.POST("", negotiationsHandlers.AppendRoundHandler())
		}

		// Connection routes
		connectionsGroup := v1.Group("/connections")
		connectionsGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			connectionsGroup.GET("", connectionsHandlers.ListConnectionsHandler())
			connectionsGroup.GET("/:connection_id", connectionsHandlers.GetConnectionHandler())
			connectionsGroup.POST("/:connection_id/messages", connectionsHandlers.SendMessageHandler())
			connectionsGroup.POST("/:connection_id/read", connectionsHandlers.MarkReadHandler())
		}
	}
}
