package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relayworks/relay/pkg/event"
)

// submitEvent handles POST /api/v1/events: accept an envelope and enqueue it
// for dispatch. Missing id, subject, and time are filled in so external
// callers can submit minimal envelopes.
func (s *Server) submitEvent(c *gin.Context) {
	var evt event.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if evt.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type field is required"})
		return
	}
	if evt.Source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source field is required"})
		return
	}

	filled := event.New(evt.Source, evt.Type, evt.Subject, evt.Data)
	if evt.ID != "" {
		filled.ID = evt.ID
	}
	if evt.Subject == "" {
		filled.Subject = uuid.New().String()
	}
	if !evt.Time.IsZero() {
		filled.Time = evt.Time
	}
	filled.ParentID = evt.ParentID
	filled.To = evt.To
	filled.Domain = evt.Domain
	filled.TraceHeaders = evt.TraceHeaders
	filled.DataSchema = evt.DataSchema
	filled.Extensions = evt.Extensions

	if err := s.publisher.Publish(c.Request.Context(), filled); err != nil {
		s.logger.Error("Failed to publish event", "type", filled.Type, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event could not be enqueued"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":      filled.ID,
		"subject": filled.Subject,
		"status":  "accepted",
	})
}

// getInstance handles GET /api/v1/instances/:subject.
func (s *Server) getInstance(c *gin.Context) {
	subject := c.Param("subject")
	inst, err := s.instances.Read(c.Request.Context(), subject)
	if err != nil {
		s.logger.Error("Failed to read instance", "subject", subject, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read instance"})
		return
	}
	if inst == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

// handleWebSocket upgrades GET /api/v1/ws and hands the connection to the
// stream broadcaster. Blocks for the connection lifetime.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("WebSocket accept failed", "error", err)
		return
	}
	s.broadcaster.HandleConnection(c.Request.Context(), conn)
}
