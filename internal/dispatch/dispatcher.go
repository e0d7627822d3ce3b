// Package dispatch resolves target selectors and fans envelopes out to live connections.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"examrelay/internal/logging"
	"examrelay/internal/metrics"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// Resolver is the read side of a channel registry
type Resolver interface {
	Channel() string
	Lookup(id types.ConnectionID) (interfaces.Connection, error)
	MembersOf(group string) []types.ConnectionID
	PrincipalConnection(principalID string) (types.ConnectionID, bool)
}

// Dispatcher delivers envelopes for one channel
// ARCHITECTURAL DISCOVERY: Delivery is best-effort and at-most-once; a failed push is
// counted and logged but never retried and never aborts delivery to sibling recipients
type Dispatcher struct {
	resolver Resolver
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher bound to one channel registry
func NewDispatcher(resolver Resolver, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		resolver: resolver,
		metrics:  m,
		logger:   logging.OrNop(logger).Named("dispatch").With(zap.String("channel", resolver.Channel())),
		now:      time.Now,
	}
}

// NewEnvelope stamps a fresh envelope for channel
func NewEnvelope(channel, event string, payload any, target types.Selector) *types.Envelope {
	return &types.Envelope{
		ID:        uuid.New().String(),
		Channel:   channel,
		Event:     event,
		Payload:   payload,
		Target:    target,
		CreatedAt: time.Now().UTC(),
	}
}

// Dispatch resolves env.Target and pushes the encoded event to every resolved connection.
// Only malformed input returns an error; an empty target set is a successful no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, env *types.Envelope) (interfaces.DeliveryReport, error) {
	var report interfaces.DeliveryReport

	if env == nil {
		return report, ErrNilEnvelope
	}
	if env.Target == nil {
		return report, ErrMissingTarget
	}
	channel := d.resolver.Channel()
	if env.Channel != channel {
		return report, fmt.Errorf("%w: %q != %q", ErrChannelMismatch, env.Channel, channel)
	}
	if !types.IsKnownEvent(channel, env.Event) {
		return report, fmt.Errorf("%w: %s/%s", ErrUnknownEvent, channel, env.Event)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// TECHNICAL DISCOVERY: Work on a copy so the caller's envelope is never mutated
	stamped := *env
	if stamped.ID == "" {
		stamped.ID = uuid.New().String()
	}
	if stamped.CreatedAt.IsZero() {
		stamped.CreatedAt = d.now().UTC()
	}

	// Marshal once; every recipient shares the same immutable bytes
	frame, err := types.EncodeEvent(&stamped)
	if err != nil {
		return report, fmt.Errorf("encode %s: %w", stamped.Event, err)
	}

	ids := d.resolve(stamped.Target)
	report.Targeted = len(ids)
	d.metrics.Dispatched(channel, stamped.Event)

	for _, id := range ids {
		if err := d.deliver(id, frame); err != nil {
			report.Failed++
			d.metrics.Delivery(channel, metrics.OutcomeFailed)
			d.logger.Debug("delivery failed",
				zap.String("envelope_id", stamped.ID),
				zap.String("connection_id", string(id)),
				zap.Error(err))
			continue
		}
		report.Delivered++
		d.metrics.Delivery(channel, metrics.OutcomeDelivered)
	}

	d.logger.Debug("dispatched",
		zap.String("envelope_id", stamped.ID),
		zap.String("event", stamped.Event),
		zap.Stringer("target", stamped.Target),
		zap.Int("targeted", report.Targeted),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed))

	return report, nil
}

// resolve turns a selector into a snapshot of connection ids
// FUNCTIONAL DISCOVERY: Connection and principal selectors resolve to zero or one id;
// an unknown target is benign and simply resolves to nothing
func (d *Dispatcher) resolve(target types.Selector) []types.ConnectionID {
	switch t := target.(type) {
	case types.ConnectionTarget:
		if _, err := d.resolver.Lookup(t.ID); err != nil {
			return nil
		}
		return []types.ConnectionID{t.ID}
	case types.PrincipalTarget:
		if id, ok := d.resolver.PrincipalConnection(t.ID); ok {
			return []types.ConnectionID{id}
		}
		return nil
	case types.GroupTarget:
		return d.resolver.MembersOf(t.Name)
	case types.AllTarget:
		return d.resolver.MembersOf(types.GroupAll)
	default:
		return nil
	}
}

// deliver pushes to one recipient; a connection that vanished after resolution is a transient failure
func (d *Dispatcher) deliver(id types.ConnectionID, frame []byte) error {
	conn, err := d.resolver.Lookup(id)
	if err != nil {
		return err
	}
	return conn.Push(frame)
}
