package app

import (
	"github.com/gin-gonic/gin"

	"example/manga-api/auth"
)

// upsertAccount is the post-auth hook: it makes sure every verified
// subject has an account row before its request is classified.
func (s *Server) upsertAccount(c *gin.Context, claims *auth.Claims) error {
	if claims == nil || claims.Subject == "" {
		return nil
	}
	return s.store.UpsertFromClaims(c.Request.Context(), claims.Subject, claims.Email(), claims.Name())
}
