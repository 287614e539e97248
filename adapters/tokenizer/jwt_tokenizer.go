package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
)

const AudienceAccess = "session:access"
const AudienceRefresh = "session:refresh"

var (
	_ ports.Tokenizer   = (*JWTTokenizer)(nil)
	_ ports.TokenIssuer = (*JWTTokenizer)(nil)
)

// JWTTokenizer issues and verifies ES256 session tokens
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	clock   clockwork.Clock
}

// NewJWTTokenizer creates a new JWT tokenizer. Expiry checks use clock.
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, clock clockwork.Clock) *JWTTokenizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JWTTokenizer{signKey: signKey, clock: clock}
}

// Now returns the tokenizer's notion of the current time
func (j *JWTTokenizer) Now() time.Time {
	return j.clock.Now()
}

// AccessToken signs an access token for the grant
func (j *JWTTokenizer) AccessToken(grant core.Grant) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grant.Subject,
			ID:        grant.ID,
			ExpiresAt: jwt.NewNumericDate(grant.AccessExpiry),
			IssuedAt:  jwt.NewNumericDate(grant.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		RefreshID: grant.RefreshID,
	}

	signedToken, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signedToken, nil
}

// RefreshToken signs a refresh token for the grant
func (j *JWTTokenizer) RefreshToken(grant core.Grant) (string, error) {
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grant.Subject,
			ID:        grant.RefreshID, // The refresh token is identified by the grant's RefreshID
			ExpiresAt: jwt.NewNumericDate(grant.RefreshExpiry),
			IssuedAt:  jwt.NewNumericDate(grant.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceRefresh},
		},
	}

	signedToken, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return signedToken, nil
}

// ParseAccessToken verifies an access token and returns its grant
func (j *JWTTokenizer) ParseAccessToken(tokenStr string) (core.Grant, error) {
	claims := &AccessClaims{}
	if err := j.parse(tokenStr, claims, AudienceAccess); err != nil {
		return core.Grant{}, err
	}

	return core.Grant{
		ID:           claims.ID,
		Subject:      claims.Subject,
		RefreshID:    claims.RefreshID,
		IssuedAt:     claims.IssuedAt.Time,
		AccessExpiry: claims.ExpiresAt.Time,
	}, nil
}

// ParseRefreshToken verifies a refresh token. Only the fields a refresh
// token carries are set on the returned grant.
func (j *JWTTokenizer) ParseRefreshToken(tokenStr string) (core.Grant, error) {
	claims := &RefreshClaims{}
	if err := j.parse(tokenStr, claims, AudienceRefresh); err != nil {
		return core.Grant{}, err
	}

	return core.Grant{
		Subject:       claims.Subject,
		RefreshID:     claims.ID,
		IssuedAt:      claims.IssuedAt.Time,
		RefreshExpiry: claims.ExpiresAt.Time,
	}, nil
}

// Inspect verifies an access token and reports its subject and expiry
func (j *JWTTokenizer) Inspect(accessToken string) (core.TokenInfo, error) {
	grant, err := j.ParseAccessToken(accessToken)
	if err != nil {
		return core.TokenInfo{}, err
	}
	return core.TokenInfo{Subject: grant.Subject, ExpiresAt: grant.AccessExpiry}, nil
}

func (j *JWTTokenizer) parse(tokenStr string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(audience), jwt.WithTimeFunc(j.clock.Now), jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %v", core.ErrTokenExpired, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}
	if !token.Valid {
		return core.ErrInvalidToken
	}
	return nil
}
