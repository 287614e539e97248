package gatekeeper

import (
	"context"

	"github.com/layer-3/gatekeeper/core"
)

// Client represents the public interface of an authenticated session
type Client interface {
	// Login authenticates the subject and stores the credential
	Login(ctx context.Context, subject, secret string) (core.Credential, error)

	// Logout revokes the session and clears the stored credential
	Logout(ctx context.Context) error

	// Call issues a protected request, renewing the credential once if the
	// access token was rejected
	Call(ctx context.Context, req core.ProtectedRequest) (*core.Response, error)

	// State returns the current session state
	State(ctx context.Context) core.SessionState

	// Subscribe registers an observer of session transitions
	Subscribe(fn func(core.SessionEvent)) (unsubscribe func())
}
