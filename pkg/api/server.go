// Package api exposes the HTTP surface of the runtime: event ingestion,
// instance inspection, the stream WebSocket, and health.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayworks/relay/pkg/event"
	"github.com/relayworks/relay/pkg/state"
	"github.com/relayworks/relay/pkg/stream"
)

// Publisher enqueues events for dispatch. Implemented by the broker.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// InstanceReader reads instance snapshots. Implemented by the stores.
type InstanceReader interface {
	Read(ctx context.Context, id string) (*state.Instance, error)
}

// Server is the HTTP API server.
type Server struct {
	publisher   Publisher
	instances   InstanceReader
	broadcaster *stream.Broadcaster
	logger      *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// NewServer wires the routes. broadcaster may be nil (WebSocket disabled).
func NewServer(publisher Publisher, instances InstanceReader, broadcaster *stream.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		publisher:   publisher,
		instances:   instances,
		broadcaster: broadcaster,
		logger:      logger.With("component", "api"),
		engine:      engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.health)

	v1 := s.engine.Group("/api/v1")
	v1.POST("/events", s.submitEvent)
	v1.GET("/instances/:subject", s.getInstance)
	if s.broadcaster != nil {
		v1.GET("/ws", s.handleWebSocket)
	}
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
