// Package api exposes the HTTP surface: the webhook ingress, the SSE
// event stream, subscription management and the failed-order console.
package api

import (
	"net/http"
	"time"

	"tradegate/internal/engine"
	"tradegate/internal/events"
	"tradegate/internal/orchestrator"
	"tradegate/internal/reconcile"
	"tradegate/internal/signal"
	"tradegate/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the orchestrator and event bus.
type Server struct {
	Router  *gin.Engine
	DB      *db.Database
	Bus     *events.Bus
	Engine  *engine.Engine
	Manager *reconcile.Manager
	Signals *signal.Router
	Orch    *orchestrator.Orchestrator

	JWTSecret string
	Deadline  time.Duration
	Heartbeat time.Duration
}

// NewServer builds the router with the full middleware stack.
func NewServer(database *db.Database, bus *events.Bus, eng *engine.Engine,
	manager *reconcile.Manager, signals *signal.Router, orch *orchestrator.Orchestrator,
	jwtSecret string, deadline, heartbeat time.Duration) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		DB:        database,
		Bus:       bus,
		Engine:    eng,
		Manager:   manager,
		Signals:   signals,
		Orch:      orch,
		JWTSecret: jwtSecret,
		Deadline:  deadline,
		Heartbeat: heartbeat,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.POST("/webhook", s.webhook)

	s.Router.GET("/health", s.health)
	s.Router.GET("/health/ready", s.healthReady)
	s.Router.GET("/health/live", s.healthLive)

	protected := s.Router.Group("")
	protected.Use(AuthMiddleware(s.JWTSecret))
	{
		protected.GET("/events/stream", s.eventsStream)

		protected.GET("/strategies/:id/subscribe/:account_id/status", s.subscriptionStatus)
		protected.DELETE("/strategies/:id/subscribe/:account_id", s.unsubscribe)

		protected.GET("/orders", s.getOrders)
		protected.GET("/positions", s.getPositions)
		protected.GET("/trades", s.getTrades)

		protected.GET("/failed-orders", s.getFailedOrders)
		csrf := protected.Group("")
		csrf.Use(CSRFMiddleware())
		{
			csrf.POST("/failed-orders/:id/retry", s.retryFailedOrder)
			csrf.DELETE("/failed-orders/:id", s.removeFailedOrder)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) healthReady(c *gin.Context) {
	if err := s.DB.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unavailable",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"database":  "down",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  "up",
	})
}

func (s *Server) healthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Start runs the HTTP server until it fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
