package tokenizer

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
)

var _ ports.Tokenizer = JWTInspector{}

// JWTInspector reads the claims of an access token without verifying its
// signature. The client holds no key; the token is only read to label the
// stored credential with a subject and expiry.
type JWTInspector struct{}

// NewJWTInspector creates an inspector
func NewJWTInspector() JWTInspector {
	return JWTInspector{}
}

// Inspect decodes the subject and expiry claims. Opaque tokens return
// core.ErrInvalidToken.
func (JWTInspector) Inspect(accessToken string) (core.TokenInfo, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return core.TokenInfo{}, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	info := core.TokenInfo{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}
