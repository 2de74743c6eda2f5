// Package api exposes the reconciliation backend over HTTP: bank connection
// management, transaction browsing, suggestion review and sync triggers.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"banksync-backend/internal/adapters/providers"
	"banksync-backend/internal/application/service"
	"banksync-backend/internal/infrastructure/storage"
)

// Config holds API server configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// DefaultConfig returns sensible defaults for the API server.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
	}
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	repo      storage.Repository
	providers map[string]providers.Provider
	syncSvc   *service.SyncService
	reviewSvc *service.ReviewService
}

// NewServer creates a new API server. If syncSvc is nil the sync endpoints
// are not registered.
func NewServer(
	cfg Config,
	repo storage.Repository,
	providerClients map[string]providers.Provider,
	syncSvc *service.SyncService,
	reviewSvc *service.ReviewService,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:    cfg,
		router:    router,
		logger:    logger.With("system", "api"),
		repo:      repo,
		providers: providerClients,
		syncSvc:   syncSvc,
		reviewSvc: reviewSvc,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	s.router.Use(s.requestLogger())
}

// requestLogger logs one line per request through the structured logger.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := s.router.Group("/api")
	{
		api.GET("/connections", s.listConnections)
		api.POST("/connections", s.createConnection)
		api.GET("/connections/:id", s.getConnection)
		api.POST("/connections/:id/activate", s.activateConnection)

		api.GET("/transactions", s.listTransactions)
		api.GET("/transactions/:id", s.getTransaction)
		api.GET("/transactions/:id/suggestions", s.listSuggestions)
		api.POST("/transactions/:id/discard", s.discardTransaction)

		api.GET("/stats", s.getStats)

		if s.reviewSvc != nil {
			api.POST("/suggestions/:id/approve", s.approveSuggestion)
			api.POST("/suggestions/:id/reject", s.rejectSuggestion)
		}

		if s.syncSvc != nil {
			api.POST("/connections/:id/sync", s.syncConnection)
			api.POST("/rematch", s.rematch)
		}
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying router, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
