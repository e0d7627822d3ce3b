package client

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Option configures a Manager
type Option func(*Manager)

// WithHeader adds handshake headers
func WithHeader(header http.Header) Option {
	return func(m *Manager) {
		for k, values := range header {
			for _, v := range values {
				m.header.Add(k, v)
			}
		}
	}
}

// WithToken authenticates the handshake with a bearer credential
func WithToken(token string) Option {
	return func(m *Manager) {
		if token != "" {
			m.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithBackoff sets the reconnect delay schedule
func WithBackoff(initial, max time.Duration, multiplier float64) Option {
	return func(m *Manager) {
		m.backoffInitial = initial
		m.backoffMax = max
		m.backoffMultiplier = multiplier
	}
}

// WithMaxAttempts bounds consecutive reconnect attempts; 0 retries until stopped
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		m.maxAttempts = n
	}
}

// WithDialer replaces the WebSocket dialer
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHandshakeTimeout bounds dial plus welcome frame
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.handshakeTimeout = d
	}
}

// WithInvocationTimeout bounds how long Invoke waits for a completion
func WithInvocationTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.invocationTimeout = d
	}
}
