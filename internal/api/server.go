// Package api exposes the management HTTP surface: pool lifecycle, dispatch,
// status, metrics, failover policy, and alerts.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosspool/crosspool/internal/config"
	"github.com/crosspool/crosspool/internal/logger"
	"github.com/crosspool/crosspool/internal/manager"
)

// Server is the management API server.
type Server struct {
	router     *gin.Engine
	cfg        *config.APIConfig
	mgr        *manager.Manager
	httpServer *http.Server
}

// NewServer wires the routes onto a manager.
func NewServer(cfg *config.APIConfig, mgr *manager.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		cfg:    cfg,
		mgr:    mgr,
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Prometheus scrape endpoint and liveness are public.
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.authMiddleware())
	v1.Use(s.loggingMiddleware())
	{
		v1.GET("/pools", s.handleListPools)
		v1.POST("/pools", s.handleCreatePool)
		v1.DELETE("/pools/:id", s.handleRemovePool)
		v1.GET("/pools/:id/status", s.handlePoolStatus)
		v1.GET("/pools/:id/metrics", s.handlePoolMetrics)
		v1.GET("/pools/:id/health", s.handlePoolHealth)

		v1.POST("/pools/:id/query", s.handleQuery)
		v1.POST("/pools/:id/execute", s.handleExecute)
		v1.POST("/pools/:id/batch", s.handleBatch)
		v1.POST("/pools/:id/transaction", s.handleTransaction)

		v1.GET("/failover", s.handleGetFailover)
		v1.PUT("/failover", s.handleSetFailover)

		v1.GET("/alerts", s.handleActiveAlerts)
		v1.GET("/alerts/history", s.handleAlertHistory)
	}
}

// authMiddleware rejects requests without the configured API key. With no
// key configured the API is open.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey != "" && c.GetHeader("X-API-Key") != s.cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

// Start runs the HTTP listener; it blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	logger.Info("management API listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.router }
