// Package ops runs the optional monitoring HTTP server: prometheus
// metrics plus liveness/readiness probes for containerized deployments.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/atomic"

	"github.com/cloudbutton/gowren/pkg/logger"
)

// Server exposes /metrics, /healthz and /readyz on a dedicated port.
type Server struct {
	echo      *echo.Echo
	readiness *atomic.Bool
	port      int
}

// NewServer creates a monitoring server bound to the given port.
func NewServer(port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		readiness: atomic.NewBool(false),
		port:      port,
	}

	e.GET("/metrics", echoprometheus.NewHandler())
	e.GET("/healthz", s.handleLiveness)
	e.GET("/readyz", s.handleReadiness)

	return s
}

// handleLiveness always returns 200: the process is alive.
func (s *Server) handleLiveness(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// handleReadiness returns 200 while the invoker is accepting jobs,
// 503 once shutdown has begun.
func (s *Server) handleReadiness(c echo.Context) error {
	if s.readiness.Load() {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusServiceUnavailable)
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.port)
	s.readiness.Store(true)
	go func() {
		logger.Info("Monitoring server listening on %s", addr)
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("Monitoring server error: %v", err)
		}
	}()
}

// Stop marks the server not ready and shuts it down.
func (s *Server) Stop() {
	s.readiness.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		logger.Error("Monitoring server shutdown error: %v", err)
	}
}
