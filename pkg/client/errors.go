package client

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected        = errors.New("client is not connected")
	ErrReconnectExhausted  = errors.New("realtime updates unavailable: reconnect attempts exhausted")
	ErrHandlersFrozen      = errors.New("handlers must be registered before Start")
	ErrAlreadyStarted      = errors.New("client already started")
	ErrUnexpectedHandshake = errors.New("server did not send a welcome frame")
)

// InvocationError carries a failure reported by the server for one invocation
type InvocationError struct {
	Method  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %s", e.Method, e.Message)
}
