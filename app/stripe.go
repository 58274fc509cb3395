package app

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v79"
	portal "github.com/stripe/stripe-go/v79/billingportal/session"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"

	"example/manga-api/app/config"
)

var ErrBillingNotConfigured = errors.New("billing not configured")

// Billing creates the hosted Stripe pages used to buy and manage premium.
type Billing interface {
	CreateCustomer(ctx context.Context, subject, email string) (string, error)
	CheckoutURL(ctx context.Context, customerID string) (string, error)
	PortalURL(ctx context.Context, customerID string) (string, error)
}

// StripeBilling talks to the Stripe API with the process-wide key.
type StripeBilling struct {
	priceID     string
	frontendURL string
}

// InitStripe wires the Stripe API key and returns the billing client.
func InitStripe(cfg config.StripeConfig) *StripeBilling {
	stripe.Key = cfg.SecretKey
	return &StripeBilling{
		priceID:     cfg.PriceIDPremium,
		frontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
	}
}

func (b *StripeBilling) CreateCustomer(ctx context.Context, subject, email string) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{
			"auth0_sub": subject,
		},
	}
	params.Context = ctx
	if email != "" {
		params.Email = stripe.String(email)
	}
	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (b *StripeBilling) CheckoutURL(ctx context.Context, customerID string) (string, error) {
	if b.priceID == "" || b.frontendURL == "" {
		return "", ErrBillingNotConfigured
	}
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(b.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(b.frontendURL + "/billing/success"),
		CancelURL:  stripe.String(b.frontendURL + "/billing/cancel"),
	}
	params.Context = ctx
	sess, err := session.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

func (b *StripeBilling) PortalURL(ctx context.Context, customerID string) (string, error) {
	if b.frontendURL == "" {
		return "", ErrBillingNotConfigured
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(b.frontendURL + "/settings/billing"),
	}
	params.Context = ctx
	sess, err := portal.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

// ensureStripeCustomer returns the account's Stripe customer, creating and
// linking one on first use.
func (s *Server) ensureStripeCustomer(ctx context.Context, subject, email string) (string, error) {
	if subject == "" {
		return "", errors.New("missing auth0 sub")
	}
	id, err := s.store.StripeCustomerID(ctx, subject)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id, err = s.billing.CreateCustomer(ctx, subject, email)
	if err != nil {
		return "", err
	}
	if err := s.store.SetStripeCustomerID(ctx, subject, id); err != nil {
		return "", err
	}
	return id, nil
}
