package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example/manga-api/app/logging"
	"example/manga-api/app/metrics"
	"example/manga-api/app/models"
)

// KeyFunc extracts the throttling key, usually the client address.
type KeyFunc func(c *gin.Context) string

// Middleware rejects over-limit requests with 429 and a Retry-After header
// before any handler work runs.
func Middleware(store *Store, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		ok, retry := store.Allow(k)
		if ok {
			c.Next()
			return
		}

		metrics.Throttled.Inc()
		logging.Ctx(c.Request.Context()).Info().Str("client", k).Str("path", c.FullPath()).Msg("request throttled")
		c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
			Success: false,
			Message: "too many requests",
		})
	}
}
