package websocket

import (
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// AccessPolicy decides whether a principal may hold a connection on a channel
type AccessPolicy interface {
	Admit(principal types.Principal) bool
}

// AllowAnonymous admits every principal, authenticated or not
type AllowAnonymous struct{}

func (AllowAnonymous) Admit(types.Principal) bool { return true }

// RequireAuthenticated admits only principals the authenticator vouches for
type RequireAuthenticated struct {
	Auth interfaces.Authenticator
}

func (p RequireAuthenticated) Admit(principal types.Principal) bool {
	if p.Auth == nil {
		return false
	}
	return p.Auth.IsAuthenticated(principal)
}
