// Package auth provides JWT validation for relay connections using JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Roles a token may be restricted to.
const (
	RoleAgent    = "agent"
	RoleObserver = "observer"
)

var (
	// ErrIdentityMismatch is returned when a token was issued for a different
	// identity than the one the connection claims in its hello.
	ErrIdentityMismatch = errors.New("auth: identity mismatch")
	// ErrRoleMismatch is returned when a token's role does not allow the
	// requested connection kind.
	ErrRoleMismatch = errors.New("auth: role not permitted")
)

// Claims represents the JWT claims for a relay connection. Identity binds the
// token to one controlled session. An empty Role permits both connection kinds.
type Claims struct {
	jwt.RegisteredClaims
	Identity string `json:"identity"`
	Role     string `json:"role,omitempty"`
}

// JWTValidator validates JWTs against a key source.
type JWTValidator struct {
	keyfunc  jwt.Keyfunc
	audience string
	issuer   string
	close    func()
}

// NewJWTValidator creates a new JWT validator that fetches keys from the JWKS endpoint.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	// ctx bounds the background refresh goroutine, not the initial fetch.
	ctx, cancel := context.WithCancel(context.Background())

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	v := NewJWTValidatorWithKeyfunc(k.Keyfunc, issuer, audience)
	v.close = cancel
	return v, nil
}

// NewJWTValidatorWithKeyfunc creates a validator around an existing key
// function. Useful for static keys and tests.
func NewJWTValidatorWithKeyfunc(kf jwt.Keyfunc, issuer, audience string) *JWTValidator {
	return &JWTValidator{
		keyfunc:  kf,
		audience: audience,
		issuer:   issuer,
		close:    func() {},
	}
}

// Validate validates a JWT token and returns the claims if valid.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	if claims.Identity == "" {
		return nil, fmt.Errorf("token has no identity claim")
	}

	return claims, nil
}

// Authorize validates tokenString and checks that it grants role access to
// identity.
func (v *JWTValidator) Authorize(tokenString, identity, role string) (*Claims, error) {
	claims, err := v.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Identity != identity {
		return nil, fmt.Errorf("%w: token for %s, hello for %s", ErrIdentityMismatch, claims.Identity, identity)
	}
	if claims.Role != "" && claims.Role != role {
		return nil, fmt.Errorf("%w: token role %s, connection %s", ErrRoleMismatch, claims.Role, role)
	}
	return claims, nil
}

// Close stops background JWKS refreshes.
func (v *JWTValidator) Close() {
	v.close()
}
