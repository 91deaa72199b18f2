// Package broker is the in-process event dispatcher. It routes envelopes to
// registered handlers, serializes delivery per subject, retries lock
// contention with exponential backoff, and converts fatal handler failures
// into system-error reply events.
package broker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relayworks/relay/pkg/agent"
	"github.com/relayworks/relay/pkg/event"
)

// Defaults for lane sizing and lock-contention retries.
const (
	DefaultLaneCount    = 8
	DefaultLaneDepth    = 256
	DefaultMaxRetries   = 5
	DefaultInitialDelay = 50 * time.Millisecond
)

// Handler consumes events and produces an outbound batch. Resumable agent
// handlers and plain service handlers both satisfy this.
type Handler interface {
	Source() string
	Accepts(eventType string) bool
	Handle(ctx context.Context, evt event.Event) ([]event.Event, error)
}

// Forwarder receives events no registered handler accepts: completions bound
// for external callers and tool requests routed to external domains.
type Forwarder func(ctx context.Context, evt event.Event) error

// Config holds broker tuning.
type Config struct {
	// LaneCount is the number of dispatch goroutines. Events sharing a
	// subject always land on the same lane, which serializes them.
	LaneCount int
	// LaneDepth is the buffer of each lane channel.
	LaneDepth int
	// MaxRetries bounds redelivery attempts on retryable handler errors.
	MaxRetries int
	// InitialDelay seeds the exponential backoff between retries.
	InitialDelay time.Duration
	// Forward receives unroutable events. Nil drops them with a warning.
	Forward Forwarder
	Logger  *slog.Logger
}

// Broker dispatches events to handlers.
type Broker struct {
	cfg      Config
	logger   *slog.Logger
	handlers []Handler
	lanes    []chan event.Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// New creates a broker. Handlers are registered before Start.
func New(cfg Config) *Broker {
	if cfg.LaneCount <= 0 {
		cfg.LaneCount = DefaultLaneCount
	}
	if cfg.LaneDepth <= 0 {
		cfg.LaneDepth = DefaultLaneDepth
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:    cfg,
		logger: logger.With("component", "broker"),
		stopCh: make(chan struct{}),
	}
}

// Register adds a handler. Must be called before Start.
func (b *Broker) Register(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return agent.NewConfigError("cannot register handler %s after broker start", h.Source())
	}
	for _, existing := range b.handlers {
		if existing.Source() == h.Source() {
			return agent.NewConfigError("handler source %q already registered", h.Source())
		}
	}
	b.handlers = append(b.handlers, h)
	return nil
}

// Start spawns the lane goroutines. Safe to call once.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		b.logger.Warn("Broker already started, ignoring duplicate Start call")
		return nil
	}
	b.started = true

	b.lanes = make([]chan event.Event, b.cfg.LaneCount)
	for i := range b.lanes {
		lane := make(chan event.Event, b.cfg.LaneDepth)
		b.lanes[i] = lane
		b.wg.Add(1)
		go b.run(ctx, i, lane)
	}

	b.logger.Info("Broker started", "lanes", b.cfg.LaneCount, "handlers", len(b.handlers))
	return nil
}

// Stop drains in-flight deliveries and shuts the lanes down. Events still
// buffered in a lane are processed before the lane exits.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	b.logger.Info("Broker stopped")
}

// Publish enqueues an event for dispatch. Ordering is guaranteed per
// subject: two events with the same subject are delivered in publish order.
func (b *Broker) Publish(ctx context.Context, evt event.Event) error {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return agent.NewConfigError("broker not started")
	}

	lane := b.lanes[b.laneFor(evt.Subject)]
	select {
	case lane <- evt:
		return nil
	case <-b.stopCh:
		return errors.New("broker stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// laneFor maps a subject onto a lane index.
func (b *Broker) laneFor(subject string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return int(h.Sum32() % uint32(b.cfg.LaneCount))
}

// run is a lane's delivery loop.
func (b *Broker) run(ctx context.Context, lane int, ch chan event.Event) {
	defer b.wg.Done()
	log := b.logger.With("lane", lane)

	for {
		select {
		case evt := <-ch:
			b.dispatch(ctx, evt)
		case <-b.stopCh:
			// Drain what is already buffered, then exit.
			for {
				select {
				case evt := <-ch:
					b.dispatch(ctx, evt)
				default:
					log.Debug("Lane shutting down")
					return
				}
			}
		case <-ctx.Done():
			log.Debug("Context cancelled, lane shutting down")
			return
		}
	}
}

// dispatch delivers one event to every accepting handler, or forwards it
// when none accepts.
func (b *Broker) dispatch(ctx context.Context, evt event.Event) {
	delivered := false
	for _, h := range b.handlers {
		if evt.To != "" && evt.To != h.Source() {
			continue
		}
		if !h.Accepts(evt.Type) {
			continue
		}
		delivered = true
		b.deliver(ctx, h, evt)
	}
	if delivered {
		return
	}

	if b.cfg.Forward != nil {
		if err := b.cfg.Forward(ctx, evt); err != nil {
			b.logger.Warn("Forwarding unroutable event failed",
				"event_id", evt.ID, "type", evt.Type, "error", err)
		}
		return
	}
	b.logger.Warn("Dropping unroutable event",
		"event_id", evt.ID, "type", evt.Type, "to", evt.To)
}

// deliver invokes one handler, retrying lock contention, and publishes the
// handler's outbound batch. A fatal failure becomes a system-error reply.
func (b *Broker) deliver(ctx context.Context, h Handler, evt event.Event) {
	log := b.logger.With("handler", h.Source(), "event_id", evt.ID, "type", evt.Type, "subject", evt.Subject)

	var outbound []event.Event
	operation := func() error {
		var err error
		outbound, err = h.Handle(ctx, evt)
		if err != nil && !agent.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.InitialDelay
	policy.RandomizationFactor = 0

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.cfg.MaxRetries-1)), ctx))
	if err != nil {
		log.Error("Handler failed", "error", err)
		b.replyError(ctx, h, evt, err)
		return
	}

	for _, out := range outbound {
		if pubErr := b.Publish(ctx, out); pubErr != nil {
			log.Error("Publishing outbound event failed",
				"outbound_id", out.ID, "outbound_type", out.Type, "error", pubErr)
		}
	}
}

// replyError emits the system-error reply for a fatally failed delivery.
// Failures while handling an error event are logged and dropped to break
// the loop.
func (b *Broker) replyError(ctx context.Context, h Handler, evt event.Event, cause error) {
	if evt.IsError() {
		b.logger.Error("Handler failed on an error event, dropping",
			"handler", h.Source(), "event_id", evt.ID, "error", cause)
		return
	}

	errName := "RuntimeError"
	var cfgErr *agent.ConfigError
	if errors.As(cause, &cfgErr) {
		errName = "ConfigError"
	}
	var lockErr *agent.LockAcquisitionError
	if errors.As(cause, &lockErr) {
		errName = "LockAcquisitionError"
	}

	reply := event.NewError(evt, h.Source(), errName, cause.Error(), fmt.Sprintf("%+v", cause))
	if err := b.Publish(ctx, reply); err != nil {
		b.logger.Error("Publishing error reply failed", "event_id", evt.ID, "error", err)
	}
}
