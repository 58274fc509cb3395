package app

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example/manga-api/app/logging"
	"example/manga-api/app/quota"
	"example/manga-api/auth"
)

// Health is a public health check endpoint.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Me returns the authenticated account with its current download usage.
func (s *Server) Me(c *gin.Context) {
	ctx := c.Request.Context()
	claims, _ := auth.ClaimsFromContext(ctx)

	account, err := s.store.AccountBySubject(ctx, claims.Subject)
	if errors.Is(err, quota.ErrAccountNotFound) {
		if err = s.upsertAccount(c, claims); err == nil {
			account, err = s.store.AccountBySubject(ctx, claims.Subject)
		}
	}
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("sub", claims.Subject).Msg("load account failed")
		respondError(c, http.StatusInternalServerError, "failed to load user")
		return
	}

	usage, err := s.classifier.Usage(ctx, quota.Authenticated(claims.Subject))
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("sub", claims.Subject).Msg("load usage failed")
		respondError(c, http.StatusInternalServerError, "failed to load usage")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        account.ID,
		"email":     account.Email,
		"name":      account.Name,
		"plan":      account.Plan(),
		"isPremium": account.Premium,
		"usage":     usage.Usage,
		"limit":     limitValue(usage.Limit),
	})
}
