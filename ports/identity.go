package ports

import (
	"context"

	"github.com/layer-3/gatekeeper/core"
)

// IdentityService is the remote issuer of credentials
type IdentityService interface {
	Login(ctx context.Context, subject, secret string) (core.TokenPair, error)
	// Renew exchanges a renewal token for a fresh access token. Errors wrap
	// core.ErrRenewalRejected or core.ErrIdentityUnavailable.
	Renew(ctx context.Context, renewalToken string) (core.TokenPair, error)
	Logout(ctx context.Context, renewalToken string) error
}
