// Package auth verifies bearer tokens against an external identity
// provider's published JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for every verification failure. Callers must
// not learn which sub-step failed; the distinction is logged server-side only.
var ErrUnauthorized = errors.New("unauthorized")

// Claims are the decoded fields of a verified token. They gate message
// processing and feed logging; they are never persisted.
type Claims struct {
	Subject   string
	Email     string
	Audience  string
	ExpiresAt time.Time
}

// Verifier validates issuer-signed JWTs using the issuer's JWKS. The key set
// is cached for the lifetime of the process and refreshed in the background;
// an unknown key id triggers a re-fetch, so key rotation is tolerated without
// a restart.
type Verifier struct {
	issuer   string
	audience string
	jwks     keyfunc.Keyfunc
}

// NewVerifier fetches the issuer's JWKS and returns a Verifier. The key set
// URL follows the well-known layout: <issuer>/.well-known/jwks.json.
func NewVerifier(ctx context.Context, issuer, audience string) (*Verifier, error) {
	if issuer == "" {
		return nil, fmt.Errorf("token issuer URL is required")
	}
	if audience == "" {
		return nil, fmt.Errorf("token audience is required")
	}

	jwksURL := strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &Verifier{
		issuer:   issuer,
		audience: audience,
		jwks:     jwks,
	}, nil
}

// Verify parses and verifies a bearer token. Only asymmetric RSA signatures
// are accepted; tokens signed with HMAC or "none" are rejected outright.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrUnauthorized
	}

	token, err := jwt.Parse(tokenStr, v.jwks.KeyfuncCtx(ctx),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}
	email, _ := claims["email"].(string)

	c := &Claims{
		Subject:  sub,
		Email:    email,
		Audience: v.audience,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}
