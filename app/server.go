// Package app wires the HTTP API: catalog reads, chapter PDF downloads,
// usage stats and billing.
package app

import (
	"github.com/gin-gonic/gin"

	"example/manga-api/app/config"
	"example/manga-api/app/download"
	"example/manga-api/app/quota"
	"example/manga-api/app/ratelimit"
	"example/manga-api/app/store"
	"example/manga-api/auth"
)

// Deps are the collaborators the HTTP layer is built from.
type Deps struct {
	Config     *config.Config
	Store      store.Store
	Classifier *quota.Classifier
	Downloads  *download.Service
	Limiter    *ratelimit.Store
	Verifier   *auth.Verifier
	Billing    Billing
}

type Server struct {
	cfg        *config.Config
	store      store.Store
	classifier *quota.Classifier
	downloads  *download.Service
	limiter    *ratelimit.Store
	verifier   *auth.Verifier
	billing    Billing
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:        d.Config,
		store:      d.Store,
		classifier: d.Classifier,
		downloads:  d.Downloads,
		limiter:    d.Limiter,
		verifier:   d.Verifier,
		billing:    d.Billing,
	}
}

// identity resolves who is asking: the verified subject, or the client
// address for anonymous callers.
func (s *Server) identity(c *gin.Context) quota.Identity {
	if sub := auth.Subject(c.Request.Context()); sub != "" {
		return quota.Authenticated(sub)
	}
	return quota.Anonymous(s.clientAddress(c))
}

func (s *Server) clientAddress(c *gin.Context) string {
	forwarded := ""
	if s.cfg.Server.TrustProxyHeaders {
		forwarded = c.GetHeader("X-Forwarded-For")
	}
	return quota.ClientAddress(forwarded, c.Request.RemoteAddr)
}
