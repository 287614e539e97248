package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrSessionInvalid       = errors.New("session is invalid")
	ErrRateLimited          = errors.New("rate limited")
	ErrRequestFailed        = errors.New("request failed")
	ErrTransportUnavailable = errors.New("transport unavailable")

	ErrRenewalFailed       = errors.New("credential renewal failed")
	ErrNoRenewalToken      = fmt.Errorf("%w: no renewal token", ErrRenewalFailed)
	ErrRenewalRejected     = fmt.Errorf("%w: renewal token rejected", ErrRenewalFailed)
	ErrIdentityUnavailable = fmt.Errorf("%w: identity service unavailable", ErrRenewalFailed)

	ErrStoreOperationFailed = errors.New("store operation failed")
	ErrMissingBaseURL       = errors.New("base url is required")
	ErrInvalidBaseURL       = errors.New("invalid base url")
	ErrInvalidToken         = errors.New("invalid token")

	// Issuing side
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenInvalidated   = errors.New("token has been invalidated")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// RequestError is returned for non-success responses other than 401 and 429.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Detail)
}

func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}

// NewRequestError builds a RequestError, falling back to the status text
// when the server sent no usable detail.
func NewRequestError(status int, detail string) *RequestError {
	if detail == "" {
		detail = http.StatusText(status)
	}
	if detail == "" {
		detail = "unexpected status"
	}
	return &RequestError{StatusCode: status, Detail: detail}
}

// RateLimitError is returned for 429 responses. RetryAfter is zero when the
// server did not say.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
