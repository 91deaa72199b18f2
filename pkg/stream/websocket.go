package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/relayworks/relay/pkg/agent"
)

// DefaultWriteTimeout bounds a single WebSocket send.
const DefaultWriteTimeout = 10 * time.Second

// clientMessage is the inbound WebSocket protocol.
type clientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// Broadcaster is an agent.StreamSink that delivers stream events to
// WebSocket clients. Clients subscribe per channel; a channel is an
// instance subject.
type Broadcaster struct {
	// Active connections: connection_id → *connection
	connections map[string]*connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	writeTimeout time.Duration
	logger       *slog.Logger
}

var _ agent.StreamSink = (*Broadcaster)(nil)

// connection is a single WebSocket client.
//
// subscriptions is accessed without a lock: all reads and writes happen on
// the goroutine that owns the connection (HandleConnection's read loop and
// its deferred cleanup).
type connection struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(writeTimeout time.Duration, logger *slog.Logger) *Broadcaster {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		connections:  make(map[string]*connection),
		channels:     make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "stream.websocket"),
	}
}

// Publish delivers a stream event to every client subscribed to its subject.
func (b *Broadcaster) Publish(_ context.Context, evt agent.StreamEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	b.broadcast(evt.Subject, data)
	return nil
}

// HandleConnection manages the lifecycle of one WebSocket connection. Called
// by the HTTP handler after upgrade; blocks until the connection closes.
func (b *Broadcaster) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &connection{
		id:            connID,
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	b.register(c)
	defer b.unregister(c)

	b.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}
		b.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of connected clients.
func (b *Broadcaster) ActiveConnections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (b *Broadcaster) subscriberCount(channel string) int {
	b.channelMu.RLock()
	defer b.channelMu.RUnlock()
	return len(b.channels[channel])
}

func (b *Broadcaster) handleClientMessage(c *connection, msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			b.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		b.subscribe(c, msg.Channel)
		b.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})

	case "unsubscribe":
		if msg.Channel == "" {
			b.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		b.unsubscribe(c, msg.Channel)

	case "ping":
		b.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (b *Broadcaster) subscribe(c *connection, channel string) {
	b.channelMu.Lock()
	if _, exists := b.channels[channel]; !exists {
		b.channels[channel] = make(map[string]bool)
	}
	b.channels[channel][c.id] = true
	b.channelMu.Unlock()

	c.subscriptions[channel] = true
}

func (b *Broadcaster) unsubscribe(c *connection, channel string) {
	b.channelMu.Lock()
	if subs, exists := b.channels[channel]; exists {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
	b.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// broadcast sends raw bytes to all connections subscribed to the channel.
func (b *Broadcaster) broadcast(channel string, data []byte) {
	b.channelMu.RLock()
	connIDs, exists := b.channels[channel]
	if !exists {
		b.channelMu.RUnlock()
		return
	}
	// Copy IDs so the lock is not held during sends.
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	b.channelMu.RUnlock()

	b.mu.RLock()
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := b.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range conns {
		if err := b.sendRaw(c, data); err != nil {
			b.logger.Warn("Failed to send to WebSocket client",
				"connection_id", c.id, "error", err)
		}
	}
}

func (b *Broadcaster) register(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections[c.id] = c
}

func (b *Broadcaster) unregister(c *connection) {
	for ch := range c.subscriptions {
		b.unsubscribe(c, ch)
	}

	b.mu.Lock()
	delete(b.connections, c.id)
	b.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (b *Broadcaster) sendJSON(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("Failed to marshal WebSocket message", "connection_id", c.id, "error", err)
		return
	}
	if err := b.sendRaw(c, data); err != nil {
		b.logger.Warn("Failed to send WebSocket message", "connection_id", c.id, "error", err)
	}
}

func (b *Broadcaster) sendRaw(c *connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, b.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
