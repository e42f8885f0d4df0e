package main

import (
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ystv/sports-scores/internal/api/handlers"
	"github.com/ystv/sports-scores/internal/api/middleware"
	"github.com/ystv/sports-scores/internal/bus"
	"github.com/ystv/sports-scores/internal/config"
	"github.com/ystv/sports-scores/internal/crypto"
	"github.com/ystv/sports-scores/internal/database"
	"github.com/ystv/sports-scores/internal/eventstore"
	"github.com/ystv/sports-scores/internal/livesync"
	"github.com/ystv/sports-scores/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}

	// Set Gin mode
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// Open database
	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize JWT manager
	logger.Infof("Initializing JWT manager...")
	jwtManager, err := crypto.NewJWTManager(cfg.MasterSecret)
	if err != nil {
		logger.Errorf("Failed to create JWT manager: %v", err)
		os.Exit(1)
	}

	// Change bus and event store
	changeBus := bus.New(db.DB)
	store := eventstore.New(&eventstore.SQLDocStore{DB: db.DB}, changeBus)

	// Live sync server
	sessions := &livesync.SQLSessionStore{DB: db.DB, TTL: cfg.SessionTTL}
	syncServer := livesync.NewServer(store, changeBus, sessions, jwtManager, cfg.TailBlock)

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// Logging middleware
	router.Use(middleware.LoggingMiddleware())

	// Root endpoint - returns plain text for client validation
	router.GET("/", func(c *gin.Context) {
		c.String(200, "Welcome to Sports Scores!")
	})

	authHandler := handlers.NewAuthHandler(jwtManager, cfg.MasterSecret)
	eventsHandler := handlers.NewEventsHandler(store)

	// Public routes (no auth required)
	v1 := router.Group("/v1")
	{
		v1.POST("/auth/token", authHandler.CreateToken)
		v1.POST("/version", func(c *gin.Context) {
			c.JSON(200, gin.H{"version": "1.0.0"})
		})
	}

	// Protected routes (auth required)
	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(jwtManager))
	{
		eventsHandler.Register(protected)
	}

	// Live sync endpoint; the token travels in the query string and is
	// checked after the websocket upgrade.
	router.GET("/v1/live/sync", syncServer.HandleSync)

	// Start HTTP server
	logger.Infof("Sports Scores server starting on http://localhost%s", cfg.Addr)
	logger.Infof("Database: %s", cfg.DatabasePath)
	logger.Infof("JWT signing enabled")

	if err := router.Run(cfg.Addr); err != nil {
		logger.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}
}
