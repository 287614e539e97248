package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	log "github.com/sirupsen/logrus"
)

// AuthConfig configures the issuing side of the session protocol
type AuthConfig struct {
	// Accounts maps subjects to their secrets.
	Accounts   map[string]string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	Clock     clockwork.Clock
	Publisher ports.EventPublisher
	Logger    *log.Entry
}

// AuthService issues, rotates and revokes session tokens. It backs the
// development identity server.
type AuthService struct {
	issuer      ports.TokenIssuer
	revocations ports.RevocationStore
	accounts    map[string]string
	publisher   ports.EventPublisher
	clock       clockwork.Clock
	log         *log.Entry

	accessTTL  time.Duration
	refreshTTL time.Duration

	// refreshMu makes check-then-revoke of a refresh token atomic, so a
	// refresh token is redeemed at most once.
	refreshMu sync.Mutex
}

// NewAuthService creates a new authentication service
func NewAuthService(issuer ports.TokenIssuer, revocations ports.RevocationStore, cfg AuthConfig) *AuthService {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 5 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 5 * 24 * time.Hour // 5 days
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}

	accounts := make(map[string]string, len(cfg.Accounts))
	for subject, secret := range cfg.Accounts {
		accounts[subject] = secret
	}

	return &AuthService{
		issuer:      issuer,
		revocations: revocations,
		accounts:    accounts,
		publisher:   cfg.Publisher,
		clock:       cfg.Clock,
		log:         cfg.Logger.WithField("component", "auth"),
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
	}
}

// AccessTTL is the lifetime of issued access tokens
func (s *AuthService) AccessTTL() time.Duration {
	return s.accessTTL
}

// Login checks the subject's secret and issues a new token pair
func (s *AuthService) Login(ctx context.Context, subject, secret string) (string, string, error) {
	expected, ok := s.accounts[subject]
	if !ok || subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) != 1 {
		s.log.WithField("subject", subject).Info("login rejected")
		return "", "", core.ErrInvalidCredentials
	}

	access, refresh, err := s.issue(subject)
	if err != nil {
		return "", "", err
	}
	s.log.WithField("subject", subject).Info("session issued")
	return access, refresh, nil
}

// Refresh rotates the refresh token and issues new access and refresh tokens
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (string, string, error) {
	grant, err := s.issuer.ParseRefreshToken(refreshToken)
	if err != nil {
		return "", "", fmt.Errorf("invalid refresh token: %w", err)
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	revoked, err := s.revocations.IsRevoked(ctx, grant.RefreshID)
	if err != nil {
		return "", "", fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked {
		return "", "", core.ErrTokenInvalidated
	}

	// The revocation only has to outlive the token itself
	if err := s.revocations.Revoke(ctx, grant.RefreshID, grant.RefreshExpiry.Sub(s.clock.Now())); err != nil {
		return "", "", fmt.Errorf("failed to revoke old token: %w", err)
	}

	access, refresh, err := s.issue(grant.Subject)
	if err != nil {
		return "", "", err
	}
	s.log.WithField("subject", grant.Subject).Debug("session refreshed")
	return access, refresh, nil
}

// Logout revokes a refresh token and every access token issued with it
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	grant, err := s.issuer.ParseRefreshToken(refreshToken)
	if err != nil {
		// An expired token cannot be redeemed anyway
		if errors.Is(err, core.ErrTokenExpired) {
			return nil
		}
		return fmt.Errorf("invalid refresh token: %w", err)
	}

	if err := s.revocations.Revoke(ctx, grant.RefreshID, grant.RefreshExpiry.Sub(s.clock.Now())); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	if s.publisher != nil {
		event := core.SessionEvent{
			ID:      uuid.New().String(),
			From:    core.StateAuthenticated,
			To:      core.StateAnonymous,
			Reason:  core.ReasonLogout,
			Subject: grant.Subject,
			At:      s.clock.Now(),
		}
		// The token is already revoked, which is the part that matters
		if err := s.publisher.PublishSessionEvent(ctx, event); err != nil {
			s.log.WithError(err).Warn("failed to publish logout event")
		}
	}

	s.log.WithField("subject", grant.Subject).Info("session revoked")
	return nil
}

// ValidateAccessToken verifies an access token and that its session was not
// revoked
func (s *AuthService) ValidateAccessToken(ctx context.Context, accessToken string) (core.Grant, error) {
	grant, err := s.issuer.ParseAccessToken(accessToken)
	if err != nil {
		return core.Grant{}, err
	}

	if grant.RefreshID != "" {
		revoked, err := s.revocations.IsRevoked(ctx, grant.RefreshID)
		if err != nil {
			return core.Grant{}, fmt.Errorf("failed to check token revocation: %w", err)
		}
		if revoked {
			return core.Grant{}, core.ErrTokenInvalidated
		}
	}
	return grant, nil
}

func (s *AuthService) issue(subject string) (string, string, error) {
	now := s.clock.Now()
	grant := core.Grant{
		ID:            uuid.New().String(),
		Subject:       subject,
		RefreshID:     uuid.New().String(),
		IssuedAt:      now,
		AccessExpiry:  now.Add(s.accessTTL),
		RefreshExpiry: now.Add(s.refreshTTL),
	}

	access, err := s.issuer.AccessToken(grant)
	if err != nil {
		return "", "", fmt.Errorf("failed to create access token: %w", err)
	}
	refresh, err := s.issuer.RefreshToken(grant)
	if err != nil {
		return "", "", fmt.Errorf("failed to create refresh token: %w", err)
	}
	return access, refresh, nil
}
