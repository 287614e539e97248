package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/layer-3/gatekeeper/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenizer(t *testing.T) (*JWTTokenizer, clockwork.FakeClock) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewJWTTokenizer(key, clock), clock
}

func testGrant(now time.Time) core.Grant {
	return core.Grant{
		ID:            "session-1",
		Subject:       "alice",
		RefreshID:     "refresh-1",
		IssuedAt:      now,
		AccessExpiry:  now.Add(5 * time.Minute),
		RefreshExpiry: now.Add(time.Hour),
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	tok, clock := newTestTokenizer(t)
	grant := testGrant(clock.Now())

	access, err := tok.AccessToken(grant)
	require.NoError(t, err)

	parsed, err := tok.ParseAccessToken(access)
	require.NoError(t, err)
	assert.Equal(t, "alice", parsed.Subject)
	assert.Equal(t, "refresh-1", parsed.RefreshID)
	assert.Equal(t, "session-1", parsed.ID)
	assert.True(t, parsed.AccessExpiry.Equal(grant.AccessExpiry))
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	tok, clock := newTestTokenizer(t)
	grant := testGrant(clock.Now())

	refresh, err := tok.RefreshToken(grant)
	require.NoError(t, err)

	parsed, err := tok.ParseRefreshToken(refresh)
	require.NoError(t, err)
	assert.Equal(t, "alice", parsed.Subject)
	assert.Equal(t, "refresh-1", parsed.RefreshID)
	assert.True(t, parsed.RefreshExpiry.Equal(grant.RefreshExpiry))
}

func TestAccessTokenExpiresWithClock(t *testing.T) {
	tok, clock := newTestTokenizer(t)
	access, err := tok.AccessToken(testGrant(clock.Now()))
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)

	_, err = tok.ParseAccessToken(access)
	require.ErrorIs(t, err, core.ErrTokenExpired)
}

func TestTokenAudienceIsEnforced(t *testing.T) {
	tok, clock := newTestTokenizer(t)
	grant := testGrant(clock.Now())

	refresh, err := tok.RefreshToken(grant)
	require.NoError(t, err)
	_, err = tok.ParseAccessToken(refresh)
	require.ErrorIs(t, err, core.ErrInvalidToken)

	access, err := tok.AccessToken(grant)
	require.NoError(t, err)
	_, err = tok.ParseRefreshToken(access)
	require.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestTokenFromOtherKeyIsRejected(t *testing.T) {
	issuer, clock := newTestTokenizer(t)
	verifier, _ := newTestTokenizer(t)

	access, err := issuer.AccessToken(testGrant(clock.Now()))
	require.NoError(t, err)

	_, err = verifier.ParseAccessToken(access)
	require.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestJWTInspector(t *testing.T) {
	tok, clock := newTestTokenizer(t)
	grant := testGrant(clock.Now())
	access, err := tok.AccessToken(grant)
	require.NoError(t, err)

	// Expired tokens are still readable: the inspector does not validate.
	clock.Advance(time.Hour)

	info, err := NewJWTInspector().Inspect(access)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Subject)
	assert.True(t, info.ExpiresAt.Equal(grant.AccessExpiry))

	_, err = NewJWTInspector().Inspect("opaque-token")
	require.ErrorIs(t, err, core.ErrInvalidToken)
}
