// Package auth verifies Auth0 JWTs via JWKS and validates issuer/audience.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"example/manga-api/app/config"
	"example/manga-api/app/logging"
)

const defaultLeeway = 30 * time.Second

var ErrVerifierNotConfigured = errors.New("AUTH0_ISSUER and AUTH0_AUDIENCE must be set")

// Verifier validates Auth0 JWT access tokens against a JWKS endpoint.
type Verifier struct {
	issuer   string
	audience string
	keyfunc  keyfunc.Keyfunc
	parser   *jwt.Parser
}

// NewVerifierFromConfig builds the verifier for the configured tenant. In
// local mode (AUTH_DISABLED) there is nothing to verify: it returns a nil
// verifier and the middleware runs every request as LocalSubject.
func NewVerifierFromConfig(cfg config.AuthConfig) (*Verifier, error) {
	if cfg.Disabled {
		logging.Warn().Str("subject", LocalSubject).Msg("auth disabled, every request runs as the local subject")
		return nil, nil
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	if issuer == "" || audience == "" {
		return nil, ErrVerifierNotConfigured
	}
	return NewVerifier(issuer, audience, strings.TrimSpace(cfg.JWKSURL))
}

// NewVerifier builds a verifier; an empty jwksURL uses the tenant's
// well-known JWKS document.
func NewVerifier(issuer, audience, jwksURL string) (*Verifier, error) {
	issuer = normalizeIssuer(issuer)
	if issuer == "" {
		return nil, errors.New("issuer must be set")
	}
	if audience == "" {
		return nil, errors.New("audience must be set")
	}
	if jwksURL == "" {
		jwksURL = issuer + ".well-known/jwks.json"
	}

	keys, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("init JWKS keyfunc: %w", err)
	}

	return &Verifier{
		issuer:   issuer,
		audience: audience,
		keyfunc:  keys,
		parser: jwt.NewParser(
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithLeeway(defaultLeeway),
			jwt.WithExpirationRequired(),
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name, jwt.SigningMethodRS384.Name, jwt.SigningMethodRS512.Name}),
		),
	}, nil
}

// Verify parses and validates a JWT, returning extracted claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, mapClaims, v.keyfunc.Keyfunc)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claimsFrom(mapClaims)
}

// claimsFrom reads the registered claims through the jwt getters; the
// profile claims (email, name) stay in Raw for the account upsert.
func claimsFrom(mc jwt.MapClaims) (*Claims, error) {
	sub, err := mc.GetSubject()
	if err != nil {
		return nil, err
	}
	if sub == "" {
		return nil, errors.New("token missing sub")
	}
	iss, _ := mc.GetIssuer()
	aud, _ := mc.GetAudience()

	claims := &Claims{
		Subject:  sub,
		Issuer:   iss,
		Audience: []string(aud),
		Raw:      mc,
	}
	if exp, _ := mc.GetExpirationTime(); exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if scope, ok := mc["scope"].(string); ok {
		claims.Scope = scope
	}
	return claims, nil
}

func normalizeIssuer(issuer string) string {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return ""
	}
	if !strings.HasSuffix(issuer, "/") {
		issuer += "/"
	}
	return issuer
}
