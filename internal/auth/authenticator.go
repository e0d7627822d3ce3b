package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"examrelay/internal/logging"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// DefaultCacheTTL bounds how long a cached opaque token is trusted without a store read
const DefaultCacheTTL = 5 * time.Minute

// Config selects which credential kinds are accepted
type Config struct {
	JWTSecret string
	Issuer    string
	CacheTTL  time.Duration
}

type cacheEntry struct {
	token    *interfaces.AccessToken
	cachedAt time.Time
}

// Authenticator resolves bearer credentials into principals.
// FUNCTIONAL DISCOVERY: Two credential kinds share one entry point: HS256 JWTs verified
// locally, and opaque access tokens looked up by SHA-256 hash in the token store
type Authenticator struct {
	store    interfaces.TokenStore
	secret   string
	issuer   string
	cacheTTL time.Duration

	// ARCHITECTURAL DISCOVERY: Cache-first lookup keeps handshakes off SQLite
	mu    sync.RWMutex
	cache map[string]cacheEntry // token hash -> token

	now    func() time.Time
	logger *zap.Logger
}

var _ interfaces.Authenticator = (*Authenticator)(nil)

// New creates an authenticator. store may be nil when only JWTs are accepted.
func New(store interfaces.TokenStore, config Config, logger *zap.Logger) *Authenticator {
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Authenticator{
		store:    store,
		secret:   config.JWTSecret,
		issuer:   config.Issuer,
		cacheTTL: ttl,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
		logger:   logging.OrNop(logger).Named("auth"),
	}
}

// Identify implements interfaces.Authenticator
func (a *Authenticator) Identify(ctx context.Context, credential string) (types.Principal, error) {
	if credential == "" {
		return types.Anonymous(), nil
	}

	if a.secret != "" && looksLikeJWT(credential) {
		claims, err := ParseJWT(a.secret, a.issuer, credential)
		if err != nil {
			a.logger.Debug("jwt rejected", zap.Error(err))
			return types.Principal{}, fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
		}
		return types.Principal{ID: claims.Subject, Name: claims.Name, Authenticated: true}, nil
	}

	token, err := a.lookup(ctx, HashToken(credential))
	if err != nil {
		return types.Principal{}, err
	}
	return types.Principal{ID: token.PrincipalID, Name: token.DisplayName, Authenticated: true}, nil
}

// IsAuthenticated implements interfaces.Authenticator
func (a *Authenticator) IsAuthenticated(principal types.Principal) bool {
	return principal.Authenticated && principal.ID != ""
}

func (a *Authenticator) lookup(ctx context.Context, hash string) (*interfaces.AccessToken, error) {
	now := a.now()

	// Check in-memory cache first
	a.mu.RLock()
	entry, cached := a.cache[hash]
	a.mu.RUnlock()
	if cached && now.Sub(entry.cachedAt) < a.cacheTTL {
		if !entry.token.Active(now) {
			return nil, interfaces.ErrUnauthorized
		}
		return entry.token, nil
	}

	if a.store == nil {
		return nil, interfaces.ErrUnauthorized
	}

	token, err := a.store.GetTokenByHash(ctx, hash)
	if errors.Is(err, interfaces.ErrTokenNotFound) {
		return nil, interfaces.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if !token.Active(now) {
		a.forget(hash)
		return nil, interfaces.ErrUnauthorized
	}

	a.remember(token, now)
	return token, nil
}

func (a *Authenticator) remember(token *interfaces.AccessToken, now time.Time) {
	a.mu.Lock()
	a.cache[token.TokenHash] = cacheEntry{token: token, cachedAt: now}
	a.mu.Unlock()
}

func (a *Authenticator) forget(hash string) {
	a.mu.Lock()
	delete(a.cache, hash)
	a.mu.Unlock()
}

// Issue creates and stores an opaque token. The raw token is returned once and never stored.
func (a *Authenticator) Issue(ctx context.Context, principalID, displayName string, ttl time.Duration) (string, *interfaces.AccessToken, error) {
	if a.store == nil {
		return "", nil, ErrNoTokenStore
	}
	if principalID == "" {
		return "", nil, ErrMissingPrincipal
	}

	raw, err := generateToken()
	if err != nil {
		return "", nil, err
	}

	now := a.now().UTC()
	token := &interfaces.AccessToken{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		DisplayName: displayName,
		TokenHash:   HashToken(raw),
		CreatedAt:   now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		token.ExpiresAt = &expires
	}

	if err := a.store.CreateToken(ctx, token); err != nil {
		return "", nil, fmt.Errorf("failed to store access token: %w", err)
	}
	a.remember(token, now)

	a.logger.Info("access token issued",
		zap.String("token_id", token.ID),
		zap.String("principal", principalID),
	)
	return raw, token, nil
}

// Revoke revokes a token in the store and drops it from the cache immediately
func (a *Authenticator) Revoke(ctx context.Context, tokenID string) error {
	if a.store == nil {
		return ErrNoTokenStore
	}
	if err := a.store.RevokeToken(ctx, tokenID); err != nil {
		return err
	}

	a.mu.Lock()
	for hash, entry := range a.cache {
		if entry.token.ID == tokenID {
			delete(a.cache, hash)
		}
	}
	a.mu.Unlock()

	a.logger.Info("access token revoked", zap.String("token_id", tokenID))
	return nil
}

// LoadActiveTokens warms the cache from the store and returns how many tokens were loaded
func (a *Authenticator) LoadActiveTokens(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	tokens, err := a.store.ListActiveTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active tokens: %w", err)
	}

	now := a.now()
	a.mu.Lock()
	for _, token := range tokens {
		a.cache[token.TokenHash] = cacheEntry{token: token, cachedAt: now}
	}
	a.mu.Unlock()

	a.logger.Info("loaded active tokens", zap.Int("count", len(tokens)))
	return len(tokens), nil
}

// IssueJWT signs a JWT with the configured secret
func (a *Authenticator) IssueJWT(principalID, name string, ttl time.Duration) (string, error) {
	return IssueJWT(a.secret, a.issuer, principalID, name, ttl)
}

// HashToken is the storage key for an opaque token
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
