package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types let the handler map failures to
// completion frames and HTTP status codes without string matching
var (
	ErrInvalidGroupName    = errors.New("group name must be 1-100 characters of letters, digits, '_', '.', ':' or '-'")
	ErrMissingExamID       = errors.New("exam id is required")
	ErrMissingStatus       = errors.New("exam status is required")
	ErrInvalidAnnouncement = errors.New("announcement must be well-formed JSON")
	ErrPayloadTooLarge     = errors.New("payload exceeds 64KB limit")
	ErrInvalidFrame        = errors.New("invalid frame")
)
