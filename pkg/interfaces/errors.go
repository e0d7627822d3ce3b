package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrTokenNotFound      = errors.New("access token not found")
	ErrUnknownMethod      = errors.New("unknown method")
)
