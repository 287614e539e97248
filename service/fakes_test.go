package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/layer-3/gatekeeper/core"
)

// fakeIdentity is a scriptable identity service
type fakeIdentity struct {
	loginPair core.TokenPair
	loginErr  error

	renewPair core.TokenPair
	renewErr  error
	// gate, when set, blocks Renew until it is closed
	gate       chan struct{}
	renewCalls atomic.Int32
	renewCtx   atomic.Value // context.Context of the last Renew

	logoutErr error
	mu        sync.Mutex
	revoked   []string
}

func (f *fakeIdentity) Login(ctx context.Context, subject, secret string) (core.TokenPair, error) {
	if f.loginErr != nil {
		return core.TokenPair{}, f.loginErr
	}
	return f.loginPair, nil
}

func (f *fakeIdentity) Renew(ctx context.Context, renewalToken string) (core.TokenPair, error) {
	f.renewCalls.Add(1)
	f.renewCtx.Store(ctx)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return core.TokenPair{}, ctx.Err()
		}
	}
	if f.renewErr != nil {
		return core.TokenPair{}, f.renewErr
	}
	return f.renewPair, nil
}

func (f *fakeIdentity) Logout(ctx context.Context, renewalToken string) error {
	f.mu.Lock()
	f.revoked = append(f.revoked, renewalToken)
	f.mu.Unlock()
	return f.logoutErr
}

func (f *fakeIdentity) revokedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

// fakeTokenizer maps access tokens to token info
type fakeTokenizer map[string]core.TokenInfo

func (f fakeTokenizer) Inspect(accessToken string) (core.TokenInfo, error) {
	info, ok := f[accessToken]
	if !ok {
		return core.TokenInfo{}, core.ErrInvalidToken
	}
	return info, nil
}

// recorder collects session events
type recorder struct {
	mu     sync.Mutex
	events []core.SessionEvent
}

func (r *recorder) observe(event core.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) PublishSessionEvent(ctx context.Context, event core.SessionEvent) error {
	r.observe(event)
	return nil
}

type transition struct {
	From, To core.SessionState
	Reason   string
}

func (r *recorder) transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transition, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, transition{From: e.From, To: e.To, Reason: e.Reason})
	}
	return out
}

type failingPublisher struct{}

func (failingPublisher) PublishSessionEvent(ctx context.Context, event core.SessionEvent) error {
	return errors.New("broker down")
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// brokenStore fails every read
type brokenStore struct {
	cleared atomic.Int32
}

func (b *brokenStore) Get(ctx context.Context) (*core.Credential, error) {
	return nil, core.ErrStoreOperationFailed
}

func (b *brokenStore) Set(ctx context.Context, cred core.Credential) error {
	return core.ErrStoreOperationFailed
}

func (b *brokenStore) Clear(ctx context.Context) error {
	b.cleared.Add(1)
	return nil
}
