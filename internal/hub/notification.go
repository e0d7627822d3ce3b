package hub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"examrelay/internal/dispatch"
	"examrelay/internal/metrics"
	"examrelay/internal/websocket"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// NotificationOptions tunes the notification channel; all fields can be changed at runtime
type NotificationOptions struct {
	RequireAuthenticatedSender bool
	RatePerSecond              float64
	Burst                      int
	QueueSize                  int
}

// NotificationHub is the open broadcast channel
// ARCHITECTURAL DISCOVERY: Any connected client may invoke SendNotification, which
// fans out to every connection including the sender; hardening is opt-in through
// the sender policy and the per-connection rate limit
type NotificationHub struct {
	*Hub

	auth                interfaces.Authenticator
	limiter             *dispatch.RateLimiter
	requireAuthedSender atomic.Bool
}

var _ interfaces.Announcer = (*NotificationHub)(nil)

// NewNotificationHub creates the notification hub; auth may be nil when no sender policy is enforced
func NewNotificationHub(registry *websocket.Registry, auth interfaces.Authenticator, opts NotificationOptions, logger *zap.Logger, m *metrics.Metrics) *NotificationHub {
	h := &NotificationHub{
		Hub:     newHub(registry, opts.QueueSize, logger, m),
		auth:    auth,
		limiter: dispatch.NewRateLimiter(opts.RatePerSecond, opts.Burst),
	}
	h.requireAuthedSender.Store(opts.RequireAuthenticatedSender)
	h.handle = h.process

	// FUNCTIONAL DISCOVERY: Rate-limit state dies with the connection
	registry.OnUnregister(h.limiter.Forget)

	return h
}

// Configure applies hot-reloaded options. QueueSize only takes effect at construction.
func (h *NotificationHub) Configure(opts NotificationOptions) {
	h.requireAuthedSender.Store(opts.RequireAuthenticatedSender)
	h.limiter.SetLimit(opts.RatePerSecond, opts.Burst)
	h.logger.Info("notification policy updated",
		zap.Bool("require_authenticated_sender", opts.RequireAuthenticatedSender),
		zap.Float64("rate_per_second", opts.RatePerSecond),
		zap.Int("burst", opts.Burst))
}

// Invoke admits a client invocation and queues it for the hub loop
func (h *NotificationHub) Invoke(_ context.Context, caller interfaces.Connection, method string, args json.RawMessage) error {
	if method != types.MethodSendNotification {
		h.metrics.Invoked(h.channel, method, resultRejected)
		return interfaces.ErrUnknownMethod
	}

	if h.requireAuthedSender.Load() && !h.senderAuthenticated(caller.Principal()) {
		h.metrics.Invoked(h.channel, method, resultRejected)
		return interfaces.ErrUnauthorized
	}

	if !h.limiter.Allow(caller.ID()) {
		h.metrics.Invoked(h.channel, method, resultRateLimited)
		return dispatch.ErrRateLimited
	}

	if err := types.ValidateAnnouncement(args); err != nil {
		h.metrics.Invoked(h.channel, method, resultRejected)
		return err
	}

	if err := h.enqueue(&Invocation{Caller: caller, Method: method, Args: args, Received: time.Now()}); err != nil {
		h.metrics.Invoked(h.channel, method, resultRejected)
		return err
	}

	h.metrics.Invoked(h.channel, method, resultAccepted)
	return nil
}

func (h *NotificationHub) senderAuthenticated(p types.Principal) bool {
	return h.auth != nil && h.auth.IsAuthenticated(p)
}

// process runs on the hub loop
// TECHNICAL DISCOVERY: Dispatch errors are logged but don't stop the loop
func (h *NotificationHub) process(ctx context.Context, inv *Invocation) {
	report, err := h.dispatcher.Dispatch(ctx, h.announcementEnvelope(inv.Args))
	if err != nil {
		h.metrics.Invoked(h.channel, inv.Method, resultFailed)
		h.logger.Warn("notification dispatch failed",
			zap.String("connection_id", string(inv.Caller.ID())), zap.Error(err))
		return
	}

	h.metrics.Invoked(h.channel, inv.Method, resultDelivered)
	h.logger.Debug("notification sent",
		zap.String("connection_id", string(inv.Caller.ID())),
		zap.String("principal", inv.Caller.Principal().ID),
		zap.Duration("queued", time.Since(inv.Received)),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed))
}

// Broadcast sends a server-originated announcement to every connection
func (h *NotificationHub) Broadcast(ctx context.Context, announcement types.Announcement) (interfaces.DeliveryReport, error) {
	if err := types.ValidateAnnouncement(announcement); err != nil {
		return interfaces.DeliveryReport{}, err
	}
	return h.Dispatch(ctx, h.announcementEnvelope(announcement))
}

func (h *NotificationHub) announcementEnvelope(announcement types.Announcement) *types.Envelope {
	return dispatch.NewEnvelope(types.ChannelNotification, types.EventReceiveNotification, announcement, types.ToAll())
}
