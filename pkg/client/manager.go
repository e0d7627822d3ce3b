// Package client is the Go client for the examrelay channels.
//
// A Manager owns one channel connection and drives an explicit state machine:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connected
//	                                                       \-> Disconnected (ErrReconnectExhausted)
//
// The server issues a new connection id on every reconnect and keeps no group
// memberships across connections, so the manager records join intent and
// replays it each time it reconnects.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"examrelay/pkg/types"
)

// Manager maintains a channel connection with automatic reconnect
type Manager struct {
	url               string
	header            http.Header
	dialer            Dialer
	backoffInitial    time.Duration
	backoffMax        time.Duration
	backoffMultiplier float64
	maxAttempts       int
	handshakeTimeout  time.Duration
	invocationTimeout time.Duration
	logger            *zap.Logger

	mu           sync.Mutex
	started      bool
	state        State
	err          error
	transport    Transport
	connectionID types.ConnectionID
	groups       []string
	handlers     map[string][]func(json.RawMessage)
	observers    []func(State, error)
	pending      map[string]chan error
	seq          uint64
	runCtx       context.Context // cancelled by Stop and by finish
	cancel       context.CancelFunc
	done         chan struct{}
}

// New creates a manager for a channel endpoint URL such as ws://host/hubs/exam
func New(url string, opts ...Option) *Manager {
	m := &Manager{
		url:               url,
		header:            http.Header{},
		dialer:            WebsocketDialer{},
		backoffInitial:    DefaultBackoffInitial,
		backoffMax:        DefaultBackoffMax,
		backoffMultiplier: DefaultBackoffMultiplier,
		maxAttempts:       DefaultMaxAttempts,
		handshakeTimeout:  10 * time.Second,
		invocationTimeout: 10 * time.Second,
		logger:            zap.NewNop(),
		handlers:          make(map[string][]func(json.RawMessage)),
		pending:           make(map[string]chan error),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("client").With(zap.String("url", url))
	return m
}

// On binds a handler to a server event. Handlers survive reconnects and must be
// registered before Start so no early event is dropped.
func (m *Manager) On(event string, handler func(payload json.RawMessage)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrHandlersFrozen
	}
	m.handlers[event] = append(m.handlers[event], handler)
	return nil
}

// OnStateChange observes every state transition; err is set for Reconnecting
// (the connection loss) and for a terminal Disconnected
func (m *Manager) OnStateChange(fn func(State, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the server-issued id of the current connection, if any
func (m *Manager) ConnectionID() types.ConnectionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// Err returns the reason the manager stopped, nil after a clean Stop
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed when the manager has stopped for good
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Start establishes the initial connection. A failed initial connection is
// returned to the caller rather than retried.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.err = nil
	m.mu.Unlock()

	m.setState(StateConnecting, nil)

	runCtx, cancel := context.WithCancel(ctx)
	transport, id, err := m.connect(runCtx)
	if err != nil {
		cancel()
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		m.setState(StateDisconnected, err)
		return err
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.runCtx = runCtx
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.attach(transport, id)
	go m.supervise(runCtx, transport, done)

	return nil
}

// Stop tears the connection down and cancels any pending reconnect
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	transport := m.transport
	done := m.done
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if transport != nil {
		transport.Close()
	}
	<-done
	return nil
}

// Join records the intent to be in group and asserts it when connected
func (m *Manager) Join(group string) error {
	if !types.IsValidGroupName(group) || group == types.GroupAll {
		return types.ErrInvalidGroupName
	}

	m.mu.Lock()
	known := false
	for _, g := range m.groups {
		if g == group {
			known = true
			break
		}
	}
	if !known {
		m.groups = append(m.groups, group)
	}
	transport := m.connectedTransportLocked()
	m.mu.Unlock()

	if transport == nil {
		return nil
	}
	return m.send(transport, types.ClientFrame{Type: types.FrameJoin, Group: group})
}

// Leave drops the intent and leaves the group when connected
func (m *Manager) Leave(group string) error {
	m.mu.Lock()
	for i, g := range m.groups {
		if g == group {
			m.groups = append(m.groups[:i], m.groups[i+1:]...)
			break
		}
	}
	transport := m.connectedTransportLocked()
	m.mu.Unlock()

	if transport == nil {
		return nil
	}
	return m.send(transport, types.ClientFrame{Type: types.FrameLeave, Group: group})
}

// Groups returns the recorded join intent in join order
func (m *Manager) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.groups...)
}

// Invoke calls a server method and waits for its completion
func (m *Manager) Invoke(ctx context.Context, method string, args any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", method, err)
	}

	m.mu.Lock()
	transport := m.connectedTransportLocked()
	if transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.seq++
	invocationID := strconv.FormatUint(m.seq, 10)
	result := make(chan error, 1)
	m.pending[invocationID] = result
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, invocationID)
		m.mu.Unlock()
	}()

	frame := types.ClientFrame{Type: types.FrameInvoke, Method: method, Args: payload, InvocationID: invocationID}
	if err := m.send(transport, frame); err != nil {
		return err
	}

	timer := time.NewTimer(m.invocationTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			var invErr *InvocationError
			if errors.As(err, &invErr) {
				invErr.Method = method
			}
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("invoke %s: %w", method, context.DeadlineExceeded)
	}
}

func (m *Manager) connectedTransportLocked() Transport {
	if m.state != StateConnected {
		return nil
	}
	return m.transport
}

func (m *Manager) send(transport Transport, frame types.ClientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return transport.WriteMessage(data)
}

// connect dials and waits for the welcome frame
func (m *Manager) connect(ctx context.Context) (Transport, types.ConnectionID, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	transport, err := m.dialer.Dial(dialCtx, m.url, m.header)
	if err != nil {
		return nil, "", err
	}

	type result struct {
		welcome types.WelcomeFrame
		err     error
	}
	read := make(chan result, 1)
	go func() {
		data, err := transport.ReadMessage()
		if err != nil {
			read <- result{err: err}
			return
		}
		var welcome types.WelcomeFrame
		if err := json.Unmarshal(data, &welcome); err != nil || welcome.Type != types.FrameWelcome || welcome.ConnectionID == "" {
			read <- result{err: ErrUnexpectedHandshake}
			return
		}
		read <- result{welcome: welcome}
	}()

	select {
	case r := <-read:
		if r.err != nil {
			transport.Close()
			return nil, "", r.err
		}
		return transport, r.welcome.ConnectionID, nil
	case <-dialCtx.Done():
		transport.Close()
		return nil, "", dialCtx.Err()
	}
}

// attach makes a fresh transport current and replays join intent.
// The replay snapshot and the Connected transition share one critical section:
// a Join that lands earlier is replayed, a Join that lands later sends itself.
func (m *Manager) attach(transport Transport, id types.ConnectionID) {
	m.mu.Lock()
	m.transport = transport
	m.connectionID = id
	groups := append([]string(nil), m.groups...)
	observers := m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()

	notify(observers, StateConnected, nil)
	m.logger.Info("connected", zap.String("connection_id", string(id)), zap.Strings("groups", groups))

	for _, group := range groups {
		if err := m.send(transport, types.ClientFrame{Type: types.FrameJoin, Group: group}); err != nil {
			m.logger.Warn("join replay failed", zap.String("group", group), zap.Error(err))
			return
		}
	}
}

// detach forgets the lost transport and fails invocations still waiting on it
func (m *Manager) detach() {
	m.mu.Lock()
	m.transport = nil
	m.connectionID = ""
	pending := m.pending
	m.pending = make(map[string]chan error)
	m.mu.Unlock()

	for _, ch := range pending {
		ch <- ErrNotConnected
	}
}

// supervise owns the connection after Start until Stop or reconnect exhaustion
func (m *Manager) supervise(ctx context.Context, transport Transport, done chan struct{}) {
	defer close(done)

	bo := newBackoff(m.backoffInitial, m.backoffMax, m.backoffMultiplier)
	for {
		release := closeOnCancel(ctx, transport)
		lost := m.readLoop(transport)
		release()
		transport.Close()
		m.detach()

		if ctx.Err() != nil {
			m.finish(nil)
			return
		}

		m.logger.Warn("connection lost", zap.Error(lost))
		m.setState(StateReconnecting, lost)

		next, err := m.reconnect(ctx, bo)
		if err != nil {
			if ctx.Err() != nil {
				m.finish(nil)
			} else {
				m.finish(err)
			}
			return
		}
		transport = next
		bo.reset()
	}
}

// closeOnCancel closes t once ctx ends so a blocked ReadMessage returns.
// The returned release stops the watch after the read loop has exited.
func closeOnCancel(ctx context.Context, t Transport) (release func()) {
	lost := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-lost:
		}
	}()
	return func() { close(lost) }
}

// reconnect retries with backoff until it succeeds, the attempt budget runs out or ctx ends
func (m *Manager) reconnect(ctx context.Context, bo *backoff) (Transport, error) {
	var lastErr error
	for attempt := 1; m.maxAttempts <= 0 || attempt <= m.maxAttempts; attempt++ {
		wait := bo.next()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		transport, id, err := m.connect(ctx)
		if err != nil {
			lastErr = err
			m.logger.Warn("reconnect failed",
				zap.Int("attempt", attempt), zap.Duration("waited", wait), zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			transport.Close()
			return nil, ctx.Err()
		}

		m.attach(transport, id)
		return transport, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr)
}

func (m *Manager) finish(err error) {
	m.mu.Lock()
	m.started = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if err != nil {
		m.logger.Error("giving up", zap.Error(err))
	}
	m.setState(StateDisconnected, err)
}

func (m *Manager) readLoop(transport Transport) error {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			return err
		}
		m.handleFrame(data)
	}
}

// handleFrame runs handlers on the read goroutine so events keep their arrival order
func (m *Manager) handleFrame(data []byte) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		m.logger.Debug("malformed frame", zap.Error(err))
		return
	}

	switch header.Type {
	case types.FrameEvent:
		var frame types.EventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Debug("malformed event", zap.Error(err))
			return
		}
		m.mu.Lock()
		handlers := m.handlers[frame.Event]
		m.mu.Unlock()
		for _, handler := range handlers {
			handler(frame.Payload)
		}

	case types.FrameCompletion:
		var frame types.CompletionFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		m.mu.Lock()
		ch, ok := m.pending[frame.InvocationID]
		delete(m.pending, frame.InvocationID)
		m.mu.Unlock()

		var result error
		if frame.Error != "" {
			result = &InvocationError{Message: frame.Error}
		}
		if ok {
			ch <- result
		} else if result != nil {
			m.logger.Debug("server reported error", zap.String("error", frame.Error))
		}
	}
}

func (m *Manager) setState(state State, err error) {
	m.mu.Lock()
	observers := m.setStateLocked(state, err)
	m.mu.Unlock()

	notify(observers, state, err)
}

// setStateLocked records the transition and returns the observers to notify
// once m.mu is released
func (m *Manager) setStateLocked(state State, err error) []func(State, error) {
	m.state = state
	if state == StateDisconnected {
		m.err = err
	}
	return append([]func(State, error){}, m.observers...)
}

func notify(observers []func(State, error), state State, err error) {
	for _, fn := range observers {
		fn(state, err)
	}
}
