package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/wire"
	"github.com/layer-3/gatekeeper/ports"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader carries an id shared by a call and its retry
const RequestIDHeader = "X-Request-ID"

// DefaultTimeout bounds a single transport call
const DefaultTimeout = 30 * time.Second

const maxErrorBodySize = 1 << 20

// Renewer hands out a fresh credential after rejectedAccessToken was refused
type Renewer interface {
	Renew(ctx context.Context, rejectedAccessToken string) (core.Credential, error)
}

// Invalidator ends the session if accessToken is still the current one
type Invalidator interface {
	Invalidate(ctx context.Context, accessToken, reason string) (bool, error)
}

// Config tunes the client
type Config struct {
	// BaseURL is the root protected paths are resolved against.
	BaseURL string
	// Timeout applies to the default HTTP client only.
	Timeout time.Duration

	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *log.Entry
}

// Client attaches the stored credential to protected calls and recovers from
// an expired access token with at most one renewal and one retry.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	store   ports.CredentialStore
	renewer Renewer
	session Invalidator
	clock   clockwork.Clock
	log     *log.Entry
}

// New creates a client. A missing or malformed base URL is an error.
func New(cfg Config, store ports.CredentialStore, renewer Renewer, session Invalidator) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, core.ErrMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidBaseURL, cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}

	return &Client{
		baseURL: base,
		http:    cfg.HTTPClient,
		store:   store,
		renewer: renewer,
		session: session,
		clock:   cfg.Clock,
		log:     cfg.Logger.WithField("component", "client"),
	}, nil
}

// Call issues req with the current credential.
//
// A 401 triggers a renewal and exactly one retry; a 401 on the retry ends the
// session with ErrSessionInvalid. A failed renewal yields ErrNotAuthenticated.
// 429 is returned as *core.RateLimitError and any other non-2xx status as
// *core.RequestError. Neither is retried.
func (c *Client) Call(ctx context.Context, req core.ProtectedRequest) (*core.Response, error) {
	cred, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if cred == nil || !cred.Usable() {
		return nil, core.ErrNotAuthenticated
	}

	call, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	logger := c.log.WithFields(log.Fields{
		"method":     call.method,
		"path":       req.Path,
		"request_id": call.id,
	})

	resp, err := c.do(ctx, call, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return c.classify(resp)
	}

	discard(resp)

	logger.Debug("access token rejected, renewing")
	renewed, err := c.renewer.Renew(ctx, cred.AccessToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.WithError(err).Info("renewal failed")
		return nil, fmt.Errorf("%w: %w", core.ErrNotAuthenticated, err)
	}

	resp, err = c.do(ctx, call, renewed.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return c.classify(resp)
	}

	discard(resp)

	logger.Warn("renewed access token rejected, ending session")
	if _, err := c.session.Invalidate(ctx, renewed.AccessToken, core.ReasonSessionInvalid); err != nil {
		logger.WithError(err).Error("failed to clear credential")
	}
	return nil, core.ErrSessionInvalid
}

// preparedCall is a request with its body buffered, so the retry sends the
// same bytes and the same request id.
type preparedCall struct {
	id          string
	method      string
	url         string
	header      http.Header
	body        []byte
	contentType string
}

func (c *Client) prepare(req core.ProtectedRequest) (*preparedCall, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	endpoint := c.baseURL.JoinPath(req.Path)
	if len(req.Query) > 0 {
		endpoint.RawQuery = req.Query.Encode()
	}

	call := &preparedCall{
		id:     uuid.New().String(),
		method: method,
		url:    endpoint.String(),
		header: req.Header.Clone(),
	}
	if id := req.Header.Get(RequestIDHeader); id != "" {
		call.id = id
	}

	switch body := req.Body.(type) {
	case nil:
	case core.RawBody:
		call.body = body
	case []byte:
		call.body = body
	case io.Reader:
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		call.body = raw
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		call.body = raw
		call.contentType = "application/json"
	}
	return call, nil
}

func (c *Client) do(ctx context.Context, call *preparedCall, accessToken string) (*http.Response, error) {
	var body io.Reader
	if call.body != nil {
		body = bytes.NewReader(call.body)
	}
	req, err := http.NewRequestWithContext(ctx, call.method, call.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range call.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if call.contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", call.contentType)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set(RequestIDHeader, call.id)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", core.ErrTransportUnavailable, err)
	}
	return resp, nil
}

func (c *Client) classify(resp *http.Response) (*core.Response, error) {
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Only the error detail is read from failed responses
		reader = io.LimitReader(resp.Body, maxErrorBodySize)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", core.ErrTransportUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return &core.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &core.RateLimitError{RetryAfter: c.retryAfter(resp.Header.Get("Retry-After"))}
	default:
		return nil, core.NewRequestError(resp.StatusCode, wire.ErrorDetail(body))
	}
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}

// retryAfter reads a Retry-After value given in seconds or as an HTTP date
func (c *Client) retryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := at.Sub(c.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// IsAuthError reports whether err means the caller has to log in again
func IsAuthError(err error) bool {
	return errors.Is(err, core.ErrNotAuthenticated) || errors.Is(err, core.ErrSessionInvalid)
}
