package app

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"example/manga-api/app/logging"
	"example/manga-api/app/quota"
	"example/manga-api/auth"
)

// CreateCheckoutSession starts a Stripe Checkout Session for the authenticated user.
func (s *Server) CreateCheckoutSession(c *gin.Context) {
	ctx := c.Request.Context()
	claims, _ := auth.ClaimsFromContext(ctx)
	log := logging.Ctx(ctx)

	if s.billing == nil {
		respondError(c, http.StatusInternalServerError, "billing not configured")
		return
	}

	customerID, err := s.ensureStripeCustomer(ctx, claims.Subject, claims.Email())
	if err != nil {
		log.Error().Err(err).Str("sub", claims.Subject).Msg("ensureStripeCustomer failed")
		respondError(c, http.StatusInternalServerError, "failed to prepare billing")
		return
	}

	url, err := s.billing.CheckoutURL(ctx, customerID)
	if err != nil {
		log.Error().Err(err).Msg("stripe checkout session failed")
		if errors.Is(err, ErrBillingNotConfigured) {
			respondError(c, http.StatusInternalServerError, "billing not configured")
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// CreatePortalSession creates a Stripe Customer Portal session for the authenticated user.
func (s *Server) CreatePortalSession(c *gin.Context) {
	ctx := c.Request.Context()
	claims, _ := auth.ClaimsFromContext(ctx)
	log := logging.Ctx(ctx)

	if s.billing == nil {
		respondError(c, http.StatusInternalServerError, "billing not configured")
		return
	}

	customerID, err := s.store.StripeCustomerID(ctx, claims.Subject)
	if err != nil {
		log.Error().Err(err).Str("sub", claims.Subject).Msg("portal lookup failed")
		respondError(c, http.StatusInternalServerError, "failed to load customer")
		return
	}
	if customerID == "" {
		respondError(c, http.StatusBadRequest, "stripe customer missing for user")
		return
	}

	url, err := s.billing.PortalURL(ctx, customerID)
	if err != nil {
		log.Error().Err(err).Msg("stripe portal session failed")
		respondError(c, http.StatusInternalServerError, "failed to create portal session")
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// StripeWebhook applies subscription events to the premium flag that the
// download quota reads.
func (s *Server) StripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.Ctx(ctx)

	const maxBodyBytes = int64(65536)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		log.Warn().Err(err).Msg("stripe webhook read failed")
		respondError(c, http.StatusBadRequest, "invalid payload")
		return
	}

	endpointSecret := s.cfg.Stripe.WebhookSecret
	if endpointSecret == "" {
		log.Error().Msg("stripe webhook secret missing")
		respondError(c, http.StatusInternalServerError, "webhook not configured")
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		body,
		c.GetHeader("Stripe-Signature"),
		endpointSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		log.Warn().Err(err).Msg("stripe webhook signature failed")
		respondError(c, http.StatusBadRequest, "signature verification failed")
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			log.Warn().Err(err).Msg("stripe session unmarshal failed")
			respondError(c, http.StatusBadRequest, "invalid session payload")
			return
		}
		customerID := ""
		if sess.Customer != nil {
			customerID = sess.Customer.ID
		}
		email := sess.CustomerEmail
		if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
			email = sess.CustomerDetails.Email
		}

		switch {
		case email != "":
			err = s.store.SetPremiumByEmail(ctx, email, customerID)
		case customerID != "":
			err = s.store.SetPremiumByStripeCustomer(ctx, customerID, true)
		default:
			log.Warn().Str("event", event.ID).Msg("stripe session missing email and customer id")
			respondError(c, http.StatusBadRequest, "missing customer")
			return
		}
		if s.webhookUpdateFailed(c, err, customerID) {
			return
		}
		log.Info().Str("customer", customerID).Msg("premium enabled")

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			log.Warn().Err(err).Msg("stripe subscription unmarshal failed")
			respondError(c, http.StatusBadRequest, "invalid subscription payload")
			return
		}
		customerID := ""
		if sub.Customer != nil {
			customerID = sub.Customer.ID
		}
		if customerID == "" {
			log.Warn().Str("event", event.ID).Msg("stripe subscription missing customer id")
			respondError(c, http.StatusBadRequest, "missing customer id")
			return
		}
		err = s.store.SetPremiumByStripeCustomer(ctx, customerID, false)
		if s.webhookUpdateFailed(c, err, customerID) {
			return
		}
		log.Info().Str("customer", customerID).Msg("premium disabled")

	default:
		// Intentionally ignore unhandled events.
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// webhookUpdateFailed answers the webhook when the account update did not
// go through. Unknown accounts are acknowledged so Stripe stops retrying.
func (s *Server) webhookUpdateFailed(c *gin.Context, err error, customerID string) bool {
	if err == nil {
		return false
	}
	log := logging.Ctx(c.Request.Context())
	if errors.Is(err, quota.ErrAccountNotFound) {
		log.Warn().Str("customer", customerID).Msg("stripe event for unknown account")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return true
	}
	log.Error().Err(err).Str("customer", customerID).Msg("stripe plan update failed")
	respondError(c, http.StatusInternalServerError, "failed to update user")
	return true
}
