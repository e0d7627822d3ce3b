package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"examrelay/internal/logging"
	"examrelay/pkg/types"
)

// Settings tunes a single socket
type Settings struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64
}

// DefaultSettings mirrors the config defaults
// FUNCTIONAL DISCOVERY: Ping interval must stay below read timeout or healthy
// idle clients are dropped by the pong deadline
func DefaultSettings() Settings {
	return Settings{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		BufferSize:     100,
		MaxMessageSize: 64 * 1024,
	}
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent races;
// the buffered queue drained by one writer also gives FIFO delivery per connection
type Connection struct {
	conn      *websocket.Conn
	id        types.ConnectionID
	principal types.Principal
	channel   string
	settings  Settings
	writeCh   chan []byte
	state     atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewConnection wraps an upgraded socket and starts its writer
func NewConnection(conn *websocket.Conn, principal types.Principal, channel string, settings Settings, logger *zap.Logger) *Connection {
	if settings.BufferSize <= 0 {
		settings.BufferSize = DefaultSettings().BufferSize
	}
	if settings.PingInterval <= 0 {
		settings.PingInterval = DefaultSettings().PingInterval
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = DefaultSettings().WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := types.ConnectionID(uuid.New().String())
	c := &Connection{
		conn:      conn,
		id:        id,
		principal: principal,
		channel:   channel,
		settings:  settings,
		writeCh:   make(chan []byte, settings.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.OrNop(logger).With(zap.String("connection_id", string(id)), zap.String("channel", channel)),
	}
	c.state.Store(int32(types.StateConnecting))

	go c.writeLoop()

	return c
}

func (c *Connection) ID() types.ConnectionID     { return c.id }
func (c *Connection) Principal() types.Principal { return c.principal }
func (c *Connection) Channel() string            { return c.channel }

func (c *Connection) State() types.ConnectionState {
	return types.ConnectionState(c.state.Load())
}

// MarkOpen moves a registered connection from Connecting to Open
func (c *Connection) MarkOpen() {
	c.state.CompareAndSwap(int32(types.StateConnecting), int32(types.StateOpen))
}

// Done is closed once the connection starts shutting down
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Push enqueues a frame without blocking
func (c *Connection) Push(frame []byte) error {
	if c.State() >= types.StateClosing {
		return ErrConnectionClosed
	}

	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine owns every write, including pings
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// fail closes the socket so the read loop observes the error and unregisters
func (c *Connection) fail(err error) {
	if c.ctx.Err() == nil {
		c.logger.Debug("write failed, closing connection", zap.Error(err))
	}
	_ = c.Close()
}

// Close is idempotent
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(types.StateClosing))
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.state.Store(int32(types.StateClosed))
	})
	return err
}
