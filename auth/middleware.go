// Package auth provides Gin middleware for enforcing Auth0 JWT auth.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example/manga-api/app/logging"
)

// LocalSubject is the identity every request gets when auth is disabled.
const LocalSubject = "local-dev"

// MiddlewareConfig controls auth enforcement behavior.
type MiddlewareConfig struct {
	RequireScopes []string
	PublicPaths   map[string]bool
	DisableAuth   bool
	// Optional lets requests without an Authorization header through as
	// anonymous. A header that is present must still verify.
	Optional bool
	// OnAuthenticated runs after claims are attached. Its error is logged
	// and does not fail the request.
	OnAuthenticated func(c *gin.Context, claims *Claims) error
}

// Middleware enforces bearer token auth and injects claims into the request context.
func Middleware(verifier *Verifier, cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.DisableAuth {
			authenticate(c, cfg, &Claims{
				Subject: LocalSubject,
				Issuer:  "local",
				Raw:     map[string]any{"sub": LocalSubject},
			})
			return
		}

		if cfg.PublicPaths != nil && cfg.PublicPaths[c.FullPath()] {
			c.Next()
			return
		}

		log := logging.Ctx(c.Request.Context())

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if cfg.Optional {
				c.Next()
				return
			}
			log.Info().Str("path", c.Request.URL.Path).Msg("auth failure: missing Authorization header")
			respondUnauthorized(c, "missing authorization header")
			return
		}

		if verifier == nil {
			respondUnauthorized(c, "auth verifier not configured")
			return
		}

		token, ok := extractBearerToken(authHeader)
		if !ok {
			log.Info().Str("path", c.Request.URL.Path).Msg("auth failure: malformed Authorization header")
			respondUnauthorized(c, "invalid authorization header")
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			log.Info().Err(err).Str("path", c.Request.URL.Path).Msg("auth failure: token invalid")
			respondUnauthorized(c, "invalid token")
			return
		}

		if len(cfg.RequireScopes) > 0 && !hasScopes(claims.Scope, cfg.RequireScopes) {
			log.Info().Str("path", c.Request.URL.Path).Msg("auth failure: missing scopes")
			respondUnauthorized(c, "insufficient scope")
			return
		}

		authenticate(c, cfg, claims)
	}
}

func authenticate(c *gin.Context, cfg MiddlewareConfig, claims *Claims) {
	ctx := WithClaims(c.Request.Context(), claims)
	c.Request = c.Request.WithContext(ctx)

	if cfg.OnAuthenticated != nil {
		if err := cfg.OnAuthenticated(c, claims); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("sub", claims.Subject).Msg("post-auth hook failed")
		}
	}
	c.Next()
}

// RequireClaims rejects anonymous requests on routes behind an optional
// Middleware.
func RequireClaims() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ClaimsFromContext(c.Request.Context()); !ok {
			respondUnauthorized(c, "missing auth context")
			return
		}
		c.Next()
	}
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func hasScopes(scopeClaim string, required []string) bool {
	if scopeClaim == "" {
		return false
	}
	available := map[string]struct{}{}
	for _, s := range strings.Fields(scopeClaim) {
		available[s] = struct{}{}
	}
	for _, scope := range required {
		if _, ok := available[scope]; !ok {
			return false
		}
	}
	return true
}

func respondUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"message": message,
	})
}
