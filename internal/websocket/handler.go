package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"examrelay/internal/logging"
	"examrelay/internal/metrics"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// Invoker executes client-invoked channel methods
type Invoker interface {
	Invoke(ctx context.Context, caller interfaces.Connection, method string, args json.RawMessage) error
}

// Handler serves one channel endpoint
// ARCHITECTURAL DISCOVERY: Multi-stage validation (credential -> policy -> upgrade -> register)
// rejects unauthorized clients before any socket or registry resource is allocated
type Handler struct {
	registry *Registry
	auth     interfaces.Authenticator
	invoker  Invoker
	settings Settings
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHandler wires a channel registry to its authenticator and invoker. A nil
// authenticator treats every client as anonymous; a nil invoker rejects all invocations.
func NewHandler(registry *Registry, auth interfaces.Authenticator, invoker Invoker, settings Settings, logger *zap.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		registry: registry,
		auth:     auth,
		invoker:  invoker,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// FUNCTIONAL DISCOVERY: Origin checks belong to the reverse proxy in front of the relay
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		metrics: m,
		logger:  logging.OrNop(logger).Named("handler").With(zap.String("channel", registry.Channel())),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := types.Anonymous()
	if h.auth != nil {
		p, err := h.auth.Identify(r.Context(), credentialFrom(r))
		if errors.Is(err, interfaces.ErrUnauthorized) {
			h.reject(w, "invalid credentials")
			return
		}
		if err != nil {
			// TECHNICAL DISCOVERY: An identity backend outage is not a policy rejection;
			// 503 tells the client to retry rather than drop its credential
			h.logger.Error("identify failed", zap.Error(err))
			http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
			return
		}
		principal = p
	}

	if !h.registry.Admits(principal) {
		h.reject(w, "authentication required")
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(wsConn, principal, h.registry.Channel(), h.settings, h.logger)

	// TECHNICAL DISCOVERY: The welcome frame is queued before registration so it is
	// always the first frame the client reads, ahead of any dispatched event
	welcome, _ := json.Marshal(types.WelcomeFrame{
		Type:         types.FrameWelcome,
		ConnectionID: conn.ID(),
		Channel:      h.registry.Channel(),
	})
	if err := conn.Push(welcome); err != nil {
		_ = conn.Close()
		return
	}

	if _, err := h.registry.Register(conn); err != nil {
		h.logger.Warn("registration failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	conn.MarkOpen()

	h.serve(conn)
}

func (h *Handler) reject(w http.ResponseWriter, reason string) {
	h.metrics.HandshakeRejected(h.registry.Channel())
	http.Error(w, reason, http.StatusUnauthorized)
}

// credentialFrom reads a bearer token from the Authorization header, falling back to
// the access_token query parameter browsers use for WebSocket handshakes
func credentialFrom(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("access_token")
}

// serve runs the read loop until the socket fails, then unregisters
func (h *Handler) serve(conn *Connection) {
	defer func() {
		h.registry.Unregister(conn.ID())
		_ = conn.Close()
	}()

	ws := conn.conn
	ws.SetReadLimit(h.settings.MaxMessageSize)
	readTimeout := h.settings.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultSettings().ReadTimeout
	}
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read failed", zap.String("connection_id", string(conn.ID())), zap.Error(err))
			}
			return
		}
		// Any inbound frame proves liveness.
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn, data)
	}
}

func (h *Handler) handleFrame(conn *Connection, data []byte) {
	var frame types.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.complete(conn, "", types.ErrInvalidFrame)
		return
	}

	var err error
	switch frame.Type {
	case types.FrameJoin:
		err = h.membership(conn, frame.Group, h.registry.Join)
	case types.FrameLeave:
		err = h.membership(conn, frame.Group, h.registry.Leave)
	case types.FrameInvoke:
		if h.invoker == nil {
			err = interfaces.ErrUnknownMethod
		} else {
			err = h.invoker.Invoke(conn.ctx, conn, frame.Method, frame.Args)
		}
	default:
		err = ErrUnknownFrame
	}

	if frame.InvocationID != "" || err != nil {
		h.complete(conn, frame.InvocationID, err)
	}
}

func (h *Handler) membership(conn *Connection, group string, apply func(types.ConnectionID, string)) error {
	if group == "" {
		return ErrMissingGroup
	}
	if !types.IsValidGroupName(group) {
		return types.ErrInvalidGroupName
	}
	apply(conn.ID(), group)
	return nil
}

// complete reports the outcome of a client frame; errors without an invocation id
// are still reported so a client can surface them
func (h *Handler) complete(conn *Connection, invocationID string, err error) {
	frame := types.CompletionFrame{Type: types.FrameCompletion, InvocationID: invocationID}
	if err != nil {
		frame.Error = err.Error()
		if !errors.Is(err, interfaces.ErrUnknownMethod) {
			h.logger.Debug("client frame failed",
				zap.String("connection_id", string(conn.ID())), zap.Error(err))
		}
	}

	data, marshalErr := json.Marshal(frame)
	if marshalErr != nil {
		return
	}
	if pushErr := conn.Push(data); pushErr != nil {
		h.logger.Debug("completion not delivered",
			zap.String("connection_id", string(conn.ID())), zap.Error(pushErr))
	}
}
