// Package stream delivers transient observability events (LLM deltas, tool
// call lifecycle, budget exhaustion) to in-process subscribers and WebSocket
// clients. Sinks are best-effort: they never influence runner semantics.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/relayworks/relay/pkg/agent"
)

// DefaultSubscriberBuffer is the channel depth of a hub subscription.
const DefaultSubscriberBuffer = 64

// subscriber is one hub subscription. An empty subject receives every event.
type subscriber struct {
	subject string
	ch      chan agent.StreamEvent
}

// Hub is an in-memory agent.StreamSink fanning events out to subscribers by
// subject. Slow subscribers lose events rather than blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	logger *slog.Logger
	closed bool
}

var _ agent.StreamSink = (*Hub)(nil)

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[int]*subscriber),
		logger: logger.With("component", "stream.hub"),
	}
}

// Subscribe registers for events on the given subject; an empty subject
// receives all events. The returned cancel func is idempotent.
func (h *Hub) Subscribe(subject string) (<-chan agent.StreamEvent, func()) {
	ch := make(chan agent.StreamEvent, DefaultSubscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = &subscriber{subject: subject, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if s, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish fans the event out. Non-blocking: a full subscriber buffer drops
// the event for that subscriber.
func (h *Hub) Publish(_ context.Context, evt agent.StreamEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.subject != "" && s.subject != evt.Subject {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			h.logger.Debug("Dropping stream event for slow subscriber",
				"type", evt.Type, "subject", evt.Subject)
		}
	}
	return nil
}

// Close drops all subscribers. Subsequent publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Tee composes sinks: every event is published to all of them. Individual
// sink failures are logged and do not stop the fan-out.
type Tee struct {
	sinks  []agent.StreamSink
	logger *slog.Logger
}

var _ agent.StreamSink = (*Tee)(nil)

// NewTee creates a composite sink.
func NewTee(logger *slog.Logger, sinks ...agent.StreamSink) *Tee {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tee{sinks: sinks, logger: logger.With("component", "stream.tee")}
}

// Publish delivers to every sink.
func (t *Tee) Publish(ctx context.Context, evt agent.StreamEvent) error {
	for _, s := range t.sinks {
		if err := s.Publish(ctx, evt); err != nil {
			t.logger.Debug("Stream sink publish failed", "type", evt.Type, "error", err)
		}
	}
	return nil
}
