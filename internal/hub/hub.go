// Package hub implements the channel endpoints: the receive-only exam channel and
// the open notification channel.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"examrelay/internal/dispatch"
	"examrelay/internal/logging"
	"examrelay/internal/metrics"
	"examrelay/internal/websocket"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// DefaultQueueSize is the invocation buffer used when none is configured
const DefaultQueueSize = 1000

// Invocation results recorded in metrics
const (
	resultAccepted    = "accepted"
	resultRejected    = "rejected"
	resultRateLimited = "rate_limited"
	resultDelivered   = "delivered"
	resultFailed      = "failed"
)

// Invocation is one client-invoked method waiting for the hub loop
// FUNCTIONAL DISCOVERY: Caller preservation lets the hub attribute and log each
// invocation even after the caller disconnects
type Invocation struct {
	Caller   interfaces.Connection
	Method   string
	Args     json.RawMessage
	Received time.Time
}

// Hub owns one channel's registry, dispatcher and invocation loop
// ARCHITECTURAL DISCOVERY: Central coordination point for a channel keeps the
// WebSocket handler free of dispatch and policy decisions
type Hub struct {
	channel    string
	registry   *websocket.Registry
	dispatcher *dispatch.Dispatcher

	// FUNCTIONAL DISCOVERY: Buffered channel absorbs invocation bursts without blocking readers
	invocations chan *Invocation
	handle      func(ctx context.Context, inv *Invocation)

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	mu       sync.RWMutex
	running  bool
	shutdown chan struct{}
	done     chan struct{}

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func newHub(registry *websocket.Registry, queueSize int, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	logger = logging.OrNop(logger)
	return &Hub{
		channel:     registry.Channel(),
		registry:    registry,
		dispatcher:  dispatch.NewDispatcher(registry, logger, m),
		invocations: make(chan *Invocation, queueSize),
		metrics:     m,
		logger:      logger.Named("hub").With(zap.String("channel", registry.Channel())),
	}
}

// Channel returns the channel name served by this hub
func (h *Hub) Channel() string {
	return h.channel
}

// Registry exposes the channel registry for the WebSocket handler
func (h *Hub) Registry() *websocket.Registry {
	return h.registry
}

// Start begins hub processing
// FUNCTIONAL DISCOVERY: Single hub goroutine processes invocations in arrival order
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	// FUNCTIONAL DISCOVERY: Invocations left over from a previous run are stale;
	// replaying them after a restart would broadcast old announcements
	if dropped := h.drainLocked(); dropped > 0 {
		h.logger.Warn("discarded stale invocations", zap.Int("count", dropped))
	}

	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("hub started")
	go h.run(ctx, h.shutdown, h.done)

	return nil
}

// Stop shuts down the hub loop and waits for it to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("hub stopped")
	return nil
}

// drainLocked empties the invocation queue; h.mu must be held with running false
func (h *Hub) drainLocked() int {
	dropped := 0
	for {
		select {
		case <-h.invocations:
			dropped++
		default:
			return dropped
		}
	}
}

// IsRunning reports whether the hub accepts work
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Dispatch delivers an envelope through the channel dispatcher
func (h *Hub) Dispatch(ctx context.Context, env *types.Envelope) (interfaces.DeliveryReport, error) {
	if !h.IsRunning() {
		return interfaces.DeliveryReport{}, ErrHubNotRunning
	}
	return h.dispatcher.Dispatch(ctx, env)
}

// enqueue hands an invocation to the hub loop without blocking the caller's read loop
func (h *Hub) enqueue(inv *Invocation) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.running {
		return ErrHubNotRunning
	}

	// TECHNICAL DISCOVERY: Non-blocking send prevents a burst from stalling socket readers
	select {
	case h.invocations <- inv:
		return nil
	default:
		return ErrInvocationQueueFull
	}
}

// run is the hub processing loop
func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case inv := <-h.invocations:
			if h.handle != nil {
				h.handle(ctx, inv)
			}

		case <-shutdown:
			return

		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// GetStats returns hub statistics for the health endpoint
func (h *Hub) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"running":            h.IsRunning(),
		"queued_invocations": len(h.invocations),
	}
	for k, v := range h.registry.GetStats() {
		stats[k] = v
	}
	return stats
}
