package app

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example/manga-api/app/logging"
	"example/manga-api/app/ratelimit"
	"example/manga-api/auth"
)

// NewRouter builds the HTTP router.
func NewRouter(d Deps) *gin.Engine {
	s := NewServer(d)

	if d.Config.Server.GinMode != "" {
		gin.SetMode(d.Config.Server.GinMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logging.Middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Disposition", logging.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/health", Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/api/stripe/webhook", s.StripeWebhook)

	// Every other route accepts anonymous callers; a bearer token, when
	// sent, must verify.
	api := router.Group("/")
	api.Use(auth.Middleware(s.verifier, auth.MiddlewareConfig{
		Optional:        true,
		DisableAuth:     d.Config.Auth.Disabled,
		OnAuthenticated: s.upsertAccount,
	}))
	api.GET("/manga", s.ListManga)
	api.GET("/manga/:slug", s.GetManga)
	api.GET("/manga/:slug/:chapter", s.GetChapter)
	api.GET("/stats", s.Stats)
	api.GET("/download/:slug/:chapter", ratelimit.Middleware(s.limiter, s.clientAddress), s.Download)

	protected := api.Group("/")
	protected.Use(auth.RequireClaims())
	protected.GET("/me", s.Me)
	protected.POST("/api/billing/create-checkout-session", s.CreateCheckoutSession)
	protected.POST("/api/billing/portal-session", s.CreatePortalSession)

	return router
}
