package interfaces

import (
	"context"

	"examrelay/pkg/types"
)

// Authenticator turns handshake credentials into principals and answers the
// yes/no gate used by channel access policies
type Authenticator interface {
	// Identify resolves a bearer credential. An empty credential yields the
	// anonymous principal; an unrecognised one yields ErrUnauthorized.
	Identify(ctx context.Context, credential string) (types.Principal, error)

	// IsAuthenticated is the access gate for channels that refuse anonymous clients
	IsAuthenticated(principal types.Principal) bool
}
