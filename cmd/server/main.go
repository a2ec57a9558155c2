package main

import (
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/planetrenox/sune-proxy/internal/config"
	"github.com/planetrenox/sune-proxy/internal/database"
	"github.com/planetrenox/sune-proxy/internal/kvstore"
	"github.com/planetrenox/sune-proxy/internal/logger"
	"github.com/planetrenox/sune-proxy/internal/notify"
	"github.com/planetrenox/sune-proxy/internal/runner"
	"github.com/planetrenox/sune-proxy/internal/websocket"
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

	// Open database backing the KV store
	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	kv := kvstore.New(db.DB, kvstore.DefaultTTL)
	notifier := notify.New(cfg.NtfyURL)

	// Run coordinator + background sweeper
	coord := runner.New(runner.Config{}, kv, notifier)
	coord.Start()
	defer coord.Close()

	wsServer := websocket.NewServer(coord)

	// Create Gin router
	router := gin.Default()

	// CORS middleware
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: websocket.OriginAllowed,
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
		MaxAge:          24 * time.Hour,
	}))

	// Root endpoint - returns plain text for client validation
	router.GET("/", func(c *gin.Context) {
		c.String(200, "Welcome to Sune Proxy!")
	})

	// Single client-facing path: WS upgrade, poll, preflight
	router.Any("/ws", wsServer.Handle)

	// Start HTTP server
	logger.Infof("Sune Proxy starting on http://localhost%s", cfg.Addr)
	logger.Infof("Database: %s", cfg.DatabasePath)
	if cfg.NtfyURL != "" {
		logger.Infof("Notifications enabled")
	}

	if err := router.Run(cfg.Addr); err != nil {
		logger.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}
}
