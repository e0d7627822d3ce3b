package hub

import "errors"

// Hub-specific error types
var (
	ErrHubAlreadyRunning   = errors.New("hub is already running")
	ErrHubNotRunning       = errors.New("hub is not running")
	ErrInvocationQueueFull = errors.New("invocation queue is full")
)
