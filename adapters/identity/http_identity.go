package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/backoff"
	"github.com/layer-3/gatekeeper/internal/wire"
	"github.com/layer-3/gatekeeper/ports"
	log "github.com/sirupsen/logrus"
)

var _ ports.IdentityService = (*HTTPIdentity)(nil)

const maxBodySize = 1 << 20

// Config tunes the identity client
type Config struct {
	// BaseURL is the identity service root; /auth/* is appended to it.
	BaseURL string
	// Attempts is the renewal budget for transport errors and 5xx responses.
	Attempts int
	// Backoff and BackoffCap bound the wait between renewal attempts.
	Backoff    time.Duration
	BackoffCap time.Duration

	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *log.Entry
}

// HTTPIdentity talks to the identity service over JSON/HTTP
type HTTPIdentity struct {
	baseURL    *url.URL
	client     *http.Client
	attempts   int
	backoff    time.Duration
	backoffCap time.Duration
	clock      clockwork.Clock
	log        *log.Entry
}

type loginRequest struct {
	Subject string `json:"subject"`
	Secret  string `json:"secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// New creates an identity client. A missing or malformed base URL is an error.
func New(cfg Config) (*HTTPIdentity, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, core.ErrMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidBaseURL, cfg.BaseURL)
	}

	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}

	return &HTTPIdentity{
		baseURL:    base,
		client:     cfg.HTTPClient,
		attempts:   cfg.Attempts,
		backoff:    cfg.Backoff,
		backoffCap: cfg.BackoffCap,
		clock:      cfg.Clock,
		log:        cfg.Logger.WithField("component", "identity"),
	}, nil
}

// Login exchanges subject credentials for a token pair. It is not retried.
func (c *HTTPIdentity) Login(ctx context.Context, subject, secret string) (core.TokenPair, error) {
	status, body, err := c.post(ctx, "/auth/login", loginRequest{Subject: subject, Secret: secret})
	if err != nil {
		return core.TokenPair{}, fmt.Errorf("%w: login: %v", core.ErrTransportUnavailable, err)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.TokenPair{}, fmt.Errorf("%w: %s", core.ErrNotAuthenticated, errorDetail(status, body))
	case status == http.StatusTooManyRequests:
		return core.TokenPair{}, &core.RateLimitError{}
	case status < 200 || status > 299:
		return core.TokenPair{}, core.NewRequestError(status, errorDetail(status, body))
	}

	pair, err := decodeTokens(body)
	if err != nil {
		return core.TokenPair{}, fmt.Errorf("login: %w", err)
	}
	if pair.RenewalToken == "" {
		c.log.Warn("login response carried no refresh token, session cannot be renewed")
	}
	return pair, nil
}

// Renew presents the renewal token to the refresh endpoint. Transport errors
// and 5xx responses are retried within the configured budget; any other
// non-2xx response or a malformed body fails at once.
func (c *HTTPIdentity) Renew(ctx context.Context, renewalToken string) (core.TokenPair, error) {
	if renewalToken == "" {
		return core.TokenPair{}, core.ErrNoRenewalToken
	}

	wait := backoff.NewDecorr(c.backoff, c.backoffCap, c.clock)
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if err := wait.Do(ctx); err != nil {
				return core.TokenPair{}, fmt.Errorf("%w: %v", core.ErrIdentityUnavailable, err)
			}
		}

		status, body, err := c.post(ctx, "/auth/refresh", refreshRequest{RefreshToken: renewalToken})
		if err != nil {
			if ctx.Err() != nil {
				return core.TokenPair{}, fmt.Errorf("%w: %v", core.ErrIdentityUnavailable, ctx.Err())
			}
			lastErr = err
			c.log.WithError(err).WithField("attempt", attempt).Debug("refresh request failed")
			continue
		}

		switch {
		case status >= 200 && status <= 299:
			pair, err := decodeTokens(body)
			if err != nil {
				return core.TokenPair{}, fmt.Errorf("%w: %v", core.ErrRenewalFailed, err)
			}
			return pair, nil
		case status >= 500:
			lastErr = fmt.Errorf("status %d: %s", status, errorDetail(status, body))
			c.log.WithField("attempt", attempt).WithField("status", status).Debug("refresh endpoint error")
			continue
		default:
			return core.TokenPair{}, fmt.Errorf("%w: status %d: %s", core.ErrRenewalRejected, status, errorDetail(status, body))
		}
	}

	return core.TokenPair{}, fmt.Errorf("%w: %d attempts: %v", core.ErrIdentityUnavailable, c.attempts, lastErr)
}

// Logout revokes the renewal token server side
func (c *HTTPIdentity) Logout(ctx context.Context, renewalToken string) error {
	if renewalToken == "" {
		return nil
	}
	status, body, err := c.post(ctx, "/auth/logout", refreshRequest{RefreshToken: renewalToken})
	if err != nil {
		return fmt.Errorf("%w: logout: %v", core.ErrTransportUnavailable, err)
	}
	if status < 200 || status > 299 {
		return core.NewRequestError(status, errorDetail(status, body))
	}
	return nil
}

func (c *HTTPIdentity) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func decodeTokens(body []byte) (core.TokenPair, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.TokenPair{}, fmt.Errorf("malformed token response: %w", err)
	}
	if resp.AccessToken == "" {
		return core.TokenPair{}, errors.New("malformed token response: missing access_token")
	}
	return core.TokenPair{AccessToken: resp.AccessToken, RenewalToken: resp.RefreshToken}, nil
}

func errorDetail(status int, body []byte) string {
	if detail := wire.ErrorDetail(body); detail != "" {
		return detail
	}
	return http.StatusText(status)
}
