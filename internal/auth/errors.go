package auth

import "errors"

var (
	ErrJWTDisabled      = errors.New("jwt secret not configured")
	ErrMissingPrincipal = errors.New("principal id is required")
	ErrNoTokenStore     = errors.New("token store not configured")
)
