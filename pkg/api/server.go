// Package api provides the HTTP surface: the WebSocket accept path, the
// health check, and runtime statistics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/entitysync/pubsub/pkg/database"
	"github.com/entitysync/pubsub/pkg/events"
	"github.com/entitysync/pubsub/pkg/services"
)

// Server is the HTTP server wrapping the gin router.
type Server struct {
	db            *database.Client
	gateway       *events.Gateway
	manager       *events.ConnectionManager
	subscriptions *services.SubscriptionService
	listener      *events.NotifyListener

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(db *database.Client, gateway *events.Gateway, manager *events.ConnectionManager, subscriptions *services.SubscriptionService, listener *events.NotifyListener) *Server {
	return &Server{
		db:            db,
		gateway:       gateway,
		manager:       manager,
		subscriptions: subscriptions,
		listener:      listener,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders())

	router.GET("/ws", s.wsHandler)
	router.GET("/healthz", s.healthHandler)
	router.GET("/api/v1/stats", s.statsHandler)

	return router
}

// Start begins serving on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler reports database connectivity and listener state.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.Pool())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"listener": s.listener.State().String(),
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
		"listener": s.listener.State().String(),
	})
}

// statsHandler reports pod-local connection counts and shared subscription
// counts per entity type.
func (s *Server) statsHandler(c *gin.Context) {
	connections, users := s.manager.Stats()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	subStats, err := s.subscriptions.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connections":   connections,
		"users":         users,
		"subscriptions": subStats,
	})
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
