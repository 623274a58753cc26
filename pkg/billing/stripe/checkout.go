package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quoteflow/pkg/billing"
)

// CheckoutURL creates a subscription-mode Checkout Session for an existing
// customer and returns its URL. The user id is stored in the subscription
// metadata so the webhook can link the customer if it was never attached.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	if req.CustomerID == "" {
		return "", billing.ErrCustomerNotFound
	}
	lineItem, err := p.checkoutLineItem()
	if err != nil {
		return "", err
	}

	origin := strings.TrimRight(req.Origin, "/")
	cfg := p.config.Checkout
	params := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(req.CustomerID),
		LineItems:  []*stripe.CheckoutSessionCreateLineItemParams{lineItem},
		SuccessURL: stripe.String(origin + cfg.SuccessPath),
		CancelURL:  stripe.String(origin + cfg.CancelPath),
	}
	if cfg.AllowPromotionCodes {
		params.AllowPromotionCodes = stripe.Bool(true)
	}
	if req.UserID != "" {
		params.ClientReferenceID = stripe.String(req.UserID)
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
		params.SubscriptionData.AddMetadata(metadataUserID, req.UserID)
	}

	startTime := time.Now()
	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.recordAPICall("checkout.sessions.create", startTime, err)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return session.URL, nil
}

func (p *Provider) checkoutLineItem() (*stripe.CheckoutSessionCreateLineItemParams, error) {
	cfg := p.config.Checkout
	if cfg.PriceID != "" {
		return &stripe.CheckoutSessionCreateLineItemParams{
			Price:    stripe.String(cfg.PriceID),
			Quantity: stripe.Int64(1),
		}, nil
	}
	if cfg.Currency == "" || cfg.UnitAmount <= 0 || cfg.ProductName == "" {
		return nil, billing.ErrPlanNotConfigured
	}

	interval := cfg.Interval
	if interval == "" {
		interval = "month"
	}
	product := &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
		Name: stripe.String(cfg.ProductName),
	}
	if cfg.ProductDescription != "" {
		product.Description = stripe.String(cfg.ProductDescription)
	}
	return &stripe.CheckoutSessionCreateLineItemParams{
		PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
			Currency:    stripe.String(strings.ToLower(cfg.Currency)),
			ProductData: product,
			UnitAmount:  stripe.Int64(cfg.UnitAmount),
			Recurring: &stripe.CheckoutSessionCreateLineItemPriceDataRecurringParams{
				Interval: stripe.String(interval),
			},
		},
		Quantity: stripe.Int64(1),
	}, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// This allows users to manage their subscription, update payment methods, or cancel.
func (p *Provider) PortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	if customerID == "" {
		return "", billing.ErrCustomerNotFound
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	startTime := time.Now()
	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	p.recordAPICall("billing_portal.sessions.create", startTime, err)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return session.URL, nil
}
