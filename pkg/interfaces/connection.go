package interfaces

import "examrelay/pkg/types"

// Connection is one registered push endpoint
// ARCHITECTURAL DISCOVERY: Pure abstraction without transport details keeps the
// registry and dispatcher testable with in-memory connections
type Connection interface {
	// ID returns the server-issued identifier of this socket
	ID() types.ConnectionID

	// Principal returns the identity established during the handshake
	Principal() types.Principal

	// Channel returns the logical channel the connection was opened on
	Channel() string

	// State returns the current liveness state
	State() types.ConnectionState

	// Push enqueues an encoded frame for delivery
	// FUNCTIONAL DISCOVERY: Push must never block; a dead or saturated
	// connection fails fast so sibling deliveries are unaffected
	Push(frame []byte) error

	// Close closes the connection and releases its writer
	Close() error
}
