// Package api exposes the read-only ops HTTP API and the websocket event
// stream. The socket protocol is the write path; this surface exists for
// dashboards and operators.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/health"
	"github.com/agenthub/hubd/pkg/services"
	"github.com/agenthub/hubd/pkg/session"
)

// ConnectedLister reports which accounts currently hold a live socket
// connection.
type ConnectedLister interface {
	Names() []string
}

// Server is the ops HTTP server.
type Server struct {
	bus       *events.Bus
	monitor   *health.Monitor
	trust     *services.TrustService
	tasks     *services.TaskService
	sessions  *session.Manager
	connected ConnectedLister
	logger    *slog.Logger

	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates the ops API server over the given stores.
func NewServer(bus *events.Bus, monitor *health.Monitor, trust *services.TrustService,
	tasks *services.TaskService, sessions *session.Manager, connected ConnectedLister,
	logger *slog.Logger) *Server {
	return &Server{
		bus:       bus,
		monitor:   monitor,
		trust:     trust,
		tasks:     tasks,
		sessions:  sessions,
		connected: connected,
		logger:    logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	v1.GET("/health", s.healthHandler)
	v1.GET("/accounts", s.accountsHandler)
	v1.GET("/trust/:account", s.trustHandler)
	v1.GET("/tasks", s.tasksHandler)
	v1.GET("/tasks/:id", s.taskHandler)
	v1.GET("/sessions", s.sessionsHandler)

	router.GET("/ws", s.wsHandler)
	return router
}

// Start begins serving on the given port in a background goroutine. The
// listener binds to loopback only; the ops surface is local.
func (s *Server) Start(port string) error {
	listener, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		return fmt.Errorf("failed to bind ops api: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	s.logger.Info("ops api listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
