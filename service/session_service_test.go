package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/layer-3/gatekeeper/adapters/store"
	"github.com/layer-3/gatekeeper/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

func newTestSession(t *testing.T, identity *fakeIdentity, opts ...Option) (*SessionService, *store.MemoryStore, *recorder) {
	t.Helper()
	credentials := store.NewMemoryStore()
	events := &recorder{}
	opts = append([]Option{WithClock(clockwork.NewFakeClockAt(testNow))}, opts...)
	s := NewSessionService(credentials, identity, opts...)
	s.Subscribe(events.observe)
	return s, credentials, events
}

func TestSessionStartsAnonymous(t *testing.T) {
	s, _, events := newTestSession(t, &fakeIdentity{})
	assert.Equal(t, core.StateAnonymous, s.State(context.Background()))
	assert.Empty(t, events.transitions())
}

func TestSessionStartsAuthenticatedFromDurableStore(t *testing.T) {
	credentials := store.NewMemoryStore()
	require.NoError(t, credentials.Set(context.Background(), core.Credential{AccessToken: "A1", RenewalToken: "R1"}))

	s := NewSessionService(credentials, &fakeIdentity{})
	assert.Equal(t, core.StateAuthenticated, s.State(context.Background()))
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	identity := &fakeIdentity{loginPair: core.TokenPair{AccessToken: "A1", RenewalToken: "R1"}}
	s, credentials, events := newTestSession(t, identity)

	cred, err := s.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "A1", cred.AccessToken)
	assert.Equal(t, "R1", cred.RenewalToken)
	assert.Equal(t, "alice", cred.Subject)
	assert.True(t, cred.ObtainedAt.Equal(testNow))

	stored, err := credentials.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, cred, *stored)

	assert.Equal(t, core.StateAuthenticated, s.State(ctx))
	assert.Equal(t, []transition{{core.StateAnonymous, core.StateAuthenticated, core.ReasonLogin}}, events.transitions())
}

func TestLoginUsesTokenClaims(t *testing.T) {
	expiry := testNow.Add(5 * time.Minute)
	identity := &fakeIdentity{loginPair: core.TokenPair{AccessToken: "A1", RenewalToken: "R1"}}
	s, _, _ := newTestSession(t, identity, WithTokenizer(fakeTokenizer{
		"A1": {Subject: "0xalice", ExpiresAt: expiry},
	}))

	cred, err := s.Login(context.Background(), "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "0xalice", cred.Subject)
	assert.True(t, cred.ExpiresAt.Equal(expiry))
}

func TestLoginFailureLeavesSessionAnonymous(t *testing.T) {
	ctx := context.Background()
	identity := &fakeIdentity{loginErr: core.ErrNotAuthenticated}
	s, credentials, events := newTestSession(t, identity)

	_, err := s.Login(ctx, "alice", "wrong")
	require.ErrorIs(t, err, core.ErrNotAuthenticated)

	cred, err := credentials.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)
	assert.Equal(t, core.StateAnonymous, s.State(ctx))
	assert.Empty(t, events.transitions())
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	identity := &fakeIdentity{loginPair: core.TokenPair{AccessToken: "A1", RenewalToken: "R1"}}
	s, credentials, events := newTestSession(t, identity)

	_, err := s.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	require.NoError(t, s.Logout(ctx))

	cred, err := credentials.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)
	assert.Equal(t, []string{"R1"}, identity.revokedTokens())
	assert.Equal(t, core.StateAnonymous, s.State(ctx))
	assert.Equal(t, []transition{
		{core.StateAnonymous, core.StateAuthenticated, core.ReasonLogin},
		{core.StateAuthenticated, core.StateAnonymous, core.ReasonLogout},
	}, events.transitions())
}

func TestLogoutClearsEvenWhenRevocationFails(t *testing.T) {
	ctx := context.Background()
	identity := &fakeIdentity{
		loginPair: core.TokenPair{AccessToken: "A1", RenewalToken: "R1"},
		logoutErr: core.ErrTransportUnavailable,
	}
	s, credentials, _ := newTestSession(t, identity)

	_, err := s.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	require.NoError(t, s.Logout(ctx))

	cred, err := credentials.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestLogoutWhenAnonymous(t *testing.T) {
	s, _, events := newTestSession(t, &fakeIdentity{})

	require.NoError(t, s.Logout(context.Background()))
	assert.Equal(t, []transition{{core.StateAnonymous, core.StateAnonymous, core.ReasonLogout}}, events.transitions())
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	identity := &fakeIdentity{loginPair: core.TokenPair{AccessToken: "A1", RenewalToken: "R1"}}
	s, credentials, events := newTestSession(t, identity)

	_, err := s.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	require.NoError(t, s.Expire(ctx, core.ReasonSessionInvalid))

	cred, err := credentials.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)
	assert.Equal(t, []transition{
		{core.StateAnonymous, core.StateAuthenticated, core.ReasonLogin},
		{core.StateAuthenticated, core.StateExpired, core.ReasonSessionInvalid},
		{core.StateExpired, core.StateAnonymous, core.ReasonSessionInvalid},
	}, events.transitions())
}

func TestExpireAnonymousSessionEmitsNothing(t *testing.T) {
	ctx := context.Background()
	s, _, events := newTestSession(t, &fakeIdentity{})

	require.NoError(t, s.Expire(ctx, core.ReasonRenewalFailed))
	assert.Equal(t, core.StateAnonymous, s.State(ctx))
	assert.Empty(t, events.transitions())
}

func TestUnreadableStoreLooksAnonymous(t *testing.T) {
	ctx := context.Background()
	broken := &brokenStore{}
	events := &recorder{}
	s := NewSessionService(broken, &fakeIdentity{})
	s.Subscribe(events.observe)
	coordinator := NewRenewalCoordinator(s, time.Second)

	assert.Equal(t, core.StateAnonymous, s.State(ctx))

	_, err := coordinator.Renew(ctx, "A1")
	require.ErrorIs(t, err, core.ErrRenewalFailed)
	assert.EqualValues(t, 1, broken.cleared.Load())
	assert.Empty(t, events.transitions())
}

func TestInvalidateOnlyMatchingCredential(t *testing.T) {
	ctx := context.Background()
	s, credentials, events := newTestSession(t, &fakeIdentity{})
	require.NoError(t, credentials.Set(ctx, core.Credential{AccessToken: "A2", RenewalToken: "R1"}))

	invalidated, err := s.Invalidate(ctx, "A1", core.ReasonSessionInvalid)
	require.NoError(t, err)
	assert.False(t, invalidated)
	assert.Equal(t, core.StateAuthenticated, s.State(ctx))
	assert.Empty(t, events.transitions())

	invalidated, err = s.Invalidate(ctx, "A2", core.ReasonSessionInvalid)
	require.NoError(t, err)
	assert.True(t, invalidated)
	assert.Equal(t, core.StateAnonymous, s.State(ctx))
	assert.Len(t, events.transitions(), 2)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	identity := &fakeIdentity{loginPair: core.TokenPair{AccessToken: "A1", RenewalToken: "R1"}}
	s, _, _ := newTestSession(t, identity)

	var order []string
	s.Subscribe(func(core.SessionEvent) { order = append(order, "first") })
	s.Subscribe(func(core.SessionEvent) { panic("observer bug") })
	unsubscribe := s.Subscribe(func(core.SessionEvent) { order = append(order, "third") })

	_, err := s.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "third"}, order)

	unsubscribe()
	require.NoError(t, s.Logout(ctx))
	assert.Equal(t, []string{"first", "third", "first"}, order)
}

func TestPublisherReceivesEvents(t *testing.T) {
	ctx := context.Background()
	identity := &fakeIdentity{loginPair: core.TokenPair{AccessToken: "A1", RenewalToken: "R1"}}
	published := &recorder{}
	s, _, _ := newTestSession(t, identity, WithPublisher(published))

	_, err := s.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	require.Len(t, published.events, 1)
	event := published.events[0]
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "alice", event.Subject)
	assert.True(t, event.At.Equal(testNow))
}

func TestPublisherFailureDoesNotFailTransition(t *testing.T) {
	identity := &fakeIdentity{loginPair: core.TokenPair{AccessToken: "A1", RenewalToken: "R1"}}
	s, _, _ := newTestSession(t, identity, WithPublisher(failingPublisher{}))

	_, err := s.Login(context.Background(), "alice", "wonderland")
	require.NoError(t, err)
	require.NoError(t, s.Logout(context.Background()))
}

func TestLoginRejectsEmptyTokens(t *testing.T) {
	s, _, _ := newTestSession(t, &fakeIdentity{})

	_, err := s.Login(context.Background(), "alice", "wonderland")
	require.True(t, errors.Is(err, core.ErrInvalidToken))
}
