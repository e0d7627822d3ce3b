package dispatch

import "errors"

// Dispatch errors describe malformed input only; per-recipient failures are never surfaced
var (
	ErrNilEnvelope     = errors.New("envelope is nil")
	ErrMissingTarget   = errors.New("envelope has no target selector")
	ErrChannelMismatch = errors.New("envelope channel does not match dispatcher")
	ErrUnknownEvent    = errors.New("event is not defined for channel")
	ErrRateLimited     = errors.New("rate limit exceeded")
)
