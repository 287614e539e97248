package ports

import (
	"context"
	"time"

	"github.com/layer-3/gatekeeper/core"
)

// TokenIssuer converts between grants and signed tokens
type TokenIssuer interface {
	AccessToken(grant core.Grant) (string, error)
	RefreshToken(grant core.Grant) (string, error)
	ParseAccessToken(token string) (core.Grant, error)
	ParseRefreshToken(token string) (core.Grant, error)
}

// RevocationStore remembers revoked refresh tokens until they would have
// expired anyway
type RevocationStore interface {
	Revoke(ctx context.Context, refreshID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, refreshID string) (bool, error)
}
