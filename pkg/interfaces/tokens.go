package interfaces

import (
	"context"
	"time"
)

// AccessToken is an opaque credential issued to a principal. Only the hash is stored.
type AccessToken struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	DisplayName string     `json:"display_name"`
	TokenHash   string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the token can still authenticate at the given instant
func (t *AccessToken) Active(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}

// TokenStore handles access-token persistence
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// keeps the SQLite single-writer discipline behind one component
type TokenStore interface {
	CreateToken(ctx context.Context, token *AccessToken) error
	GetTokenByHash(ctx context.Context, tokenHash string) (*AccessToken, error)
	RevokeToken(ctx context.Context, tokenID string) error
	ListActiveTokens(ctx context.Context) ([]*AccessToken, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
