package ports

import (
	"context"

	"github.com/layer-3/gatekeeper/core"
)

// CredentialStore holds the current credential. Set and Clear are each atomic
// with respect to Get; read-decide-write sequences are not serialized here.
type CredentialStore interface {
	// Get returns a copy of the stored credential, or nil when there is none.
	Get(ctx context.Context) (*core.Credential, error)
	Set(ctx context.Context, cred core.Credential) error
	Clear(ctx context.Context) error
}
