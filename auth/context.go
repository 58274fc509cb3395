// Package auth provides request context helpers for verified Auth0 claims.
package auth

import (
	"context"
	"strings"
	"time"
)

type ctxKey int

const claimsKey ctxKey = iota

// Claims contains the verified Auth0 token details we care about.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	Scope     string
	Raw       map[string]any
}

// Email returns the email claim, or "" when the token does not carry one.
func (c *Claims) Email() string { return c.stringClaim("email") }

func (c *Claims) Name() string { return c.stringClaim("name") }

func (c *Claims) stringClaim(key string) string {
	if c == nil || c.Raw == nil {
		return ""
	}
	if s, ok := c.Raw[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// WithClaims stores auth claims in a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns claims from a context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok && claims != nil
}

// Subject returns the authenticated subject, or "" for anonymous requests.
func Subject(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok {
		return claims.Subject
	}
	return ""
}
