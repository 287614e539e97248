package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIdentity(t *testing.T, handler http.HandlerFunc) *HTTPIdentity {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Config{
		BaseURL:    server.URL,
		Attempts:   3,
		Backoff:    time.Millisecond,
		BackoffCap: 2 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, core.ErrMissingBaseURL)

	_, err = New(Config{BaseURL: "not a url"})
	require.ErrorIs(t, err, core.ErrInvalidBaseURL)
}

func TestLogin(t *testing.T) {
	c := newTestIdentity(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/login", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req loginRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Subject != "alice" || req.Secret != "wonderland" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "A1", "refresh_token": "R1"})
	})

	pair, err := c.Login(context.Background(), "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, core.TokenPair{AccessToken: "A1", RenewalToken: "R1"}, pair)

	_, err = c.Login(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, core.ErrNotAuthenticated)
	assert.Contains(t, err.Error(), "Invalid credentials")
}

func TestRenew(t *testing.T) {
	tests := []struct {
		name     string
		response map[string]string
		expected core.TokenPair
	}{
		{
			name:     "without rotation",
			response: map[string]string{"access_token": "A2"},
			expected: core.TokenPair{AccessToken: "A2"},
		},
		{
			name:     "with rotation",
			response: map[string]string{"access_token": "A2", "refresh_token": "R2"},
			expected: core.TokenPair{AccessToken: "A2", RenewalToken: "R2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestIdentity(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/auth/refresh", r.URL.Path)
				var req refreshRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "R1", req.RefreshToken)
				writeJSON(w, http.StatusOK, tt.response)
			})

			pair, err := c.Renew(context.Background(), "R1")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, pair)
		})
	}
}

func TestRenewRejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestIdentity(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Refresh token has been invalidated"})
	})

	_, err := c.Renew(context.Background(), "R1")
	require.ErrorIs(t, err, core.ErrRenewalRejected)
	require.ErrorIs(t, err, core.ErrRenewalFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRenewServerErrorsUseBudget(t *testing.T) {
	var calls atomic.Int32
	c := newTestIdentity(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "down"})
	})

	_, err := c.Renew(context.Background(), "R1")
	require.ErrorIs(t, err, core.ErrIdentityUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRenewRecoversWithinBudget(t *testing.T) {
	var calls atomic.Int32
	c := newTestIdentity(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusBadGateway, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "A2"})
	})

	pair, err := c.Renew(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "A2", pair.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRenewMalformedBody(t *testing.T) {
	c := newTestIdentity(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"token":`))
	})

	_, err := c.Renew(context.Background(), "R1")
	require.ErrorIs(t, err, core.ErrRenewalFailed)
	assert.NotErrorIs(t, err, core.ErrRenewalRejected)
}

func TestRenewWithoutToken(t *testing.T) {
	var calls atomic.Int32
	c := newTestIdentity(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := c.Renew(context.Background(), "")
	require.ErrorIs(t, err, core.ErrNoRenewalToken)
	assert.Zero(t, calls.Load())
}

func TestRenewUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c, err := New(Config{BaseURL: url, Attempts: 2, Backoff: time.Millisecond, BackoffCap: time.Millisecond})
	require.NoError(t, err)

	_, err = c.Renew(context.Background(), "R1")
	require.ErrorIs(t, err, core.ErrIdentityUnavailable)
}

func TestLogout(t *testing.T) {
	var revoked atomic.Value
	c := newTestIdentity(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/logout", r.URL.Path)
		var req refreshRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		revoked.Store(req.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
	})

	require.NoError(t, c.Logout(context.Background(), "R1"))
	assert.Equal(t, "R1", revoked.Load())

	// Nothing to revoke
	require.NoError(t, c.Logout(context.Background(), ""))
}
