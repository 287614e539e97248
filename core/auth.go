package core

import (
	"fmt"
	"time"
)

// Credential is the token pair identifying an authenticated session.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RenewalToken string    `json:"renewal_token,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	ObtainedAt   time.Time `json:"obtained_at"` // When the access token was issued to us
	ExpiresAt    time.Time `json:"expires_at"`  // Zero when the access token is opaque
}

// Usable reports whether the credential can authenticate a request or be renewed.
func (c Credential) Usable() bool {
	return c.AccessToken != "" || c.RenewalToken != ""
}

// TokenPair is what the identity service hands out on login and renewal.
type TokenPair struct {
	AccessToken  string
	RenewalToken string // Empty on renewal when the service does not rotate
}

// TokenInfo is what can be read from an access token without verifying it.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
}

// SessionState is the derived state of the client session.
type SessionState int

const (
	StateAnonymous SessionState = iota
	StateAuthenticated
	StateRenewing
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateRenewing:
		return "renewing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "anonymous":
		*s = StateAnonymous
	case "authenticated":
		*s = StateAuthenticated
	case "renewing":
		*s = StateRenewing
	case "expired":
		*s = StateExpired
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// Transition reasons carried by session events.
const (
	ReasonLogin          = "login"
	ReasonLogout         = "logout"
	ReasonRenewal        = "renewal"
	ReasonRenewed        = "renewed"
	ReasonRenewalFailed  = "renewal_failed"
	ReasonNoRenewalToken = "no_renewal_token"
	ReasonSessionInvalid = "session_invalid"
)

// SessionEvent describes one session state transition.
type SessionEvent struct {
	ID      string       `json:"id"`
	From    SessionState `json:"from"`
	To      SessionState `json:"to"`
	Reason  string       `json:"reason"`
	Subject string       `json:"subject,omitempty"`
	At      time.Time    `json:"at"`
}
