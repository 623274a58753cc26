package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quoteflow/pkg/billing"
)

// FindCustomerByEmail returns the first Stripe customer with email.
func (p *Provider) FindCustomerByEmail(ctx context.Context, email string) (*billing.Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, billing.ErrCustomerNotFound
	}

	startTime := time.Now()
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)

	for cust, err := range p.stripeClient.V1Customers.List(ctx, params) {
		if err != nil {
			p.recordAPICall("customers.list", startTime, err)
			return nil, fmt.Errorf("stripe list customers: %w", err)
		}
		p.recordAPICall("customers.list", startTime, nil)
		return toCustomer(cust), nil
	}

	p.recordAPICall("customers.list", startTime, nil)
	return nil, billing.ErrCustomerNotFound
}

// CreateCustomer creates a Stripe customer tagged with the application user id.
func (p *Provider) CreateCustomer(ctx context.Context, email, userID string) (*billing.Customer, error) {
	startTime := time.Now()
	params := &stripe.CustomerCreateParams{Email: stripe.String(email)}
	if userID != "" {
		params.AddMetadata(metadataUserID, userID)
	}

	cust, err := p.stripeClient.V1Customers.Create(ctx, params)
	p.recordAPICall("customers.create", startTime, err)
	if err != nil {
		return nil, fmt.Errorf("stripe create customer: %w", err)
	}
	return toCustomer(cust), nil
}

// ActiveSubscription returns the first active subscription of a customer, or nil.
func (p *Provider) ActiveSubscription(ctx context.Context, customerID string) (*billing.ActiveSubscription, error) {
	startTime := time.Now()
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(subscriptionStatusActive),
	}
	params.Limit = stripe.Int64(1)

	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.recordAPICall("subscriptions.list", startTime, err)
			return nil, fmt.Errorf("stripe list subscriptions: %w", err)
		}
		if string(sub.Status) != subscriptionStatusActive {
			continue
		}
		p.recordAPICall("subscriptions.list", startTime, nil)
		return toActiveSubscription(sub), nil
	}

	p.recordAPICall("subscriptions.list", startTime, nil)
	return nil, nil
}

// retrievePlanName fetches a price with its product expanded and names it after
// the product, falling back to the price nickname.
func (p *Provider) retrievePlanName(ctx context.Context, priceID string) (name, productID string, err error) {
	startTime := time.Now()
	params := &stripe.PriceRetrieveParams{}
	params.AddExpand("product")

	price, err := p.stripeClient.V1Prices.Retrieve(ctx, priceID, params)
	p.recordAPICall("prices.retrieve", startTime, err)
	if err != nil {
		return "", "", fmt.Errorf("stripe retrieve price: %w", err)
	}

	if price.Product != nil {
		productID = price.Product.ID
		if price.Product.Name != "" {
			return price.Product.Name, productID, nil
		}
	}
	return price.Nickname, productID, nil
}

func (p *Provider) recordAPICall(endpoint string, startTime time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
}

func toCustomer(cust *stripe.Customer) *billing.Customer {
	c := &billing.Customer{ID: cust.ID, Email: cust.Email}
	if cust.Metadata != nil {
		c.UserID = cust.Metadata[metadataUserID]
	}
	return c
}

func toActiveSubscription(sub *stripe.Subscription) *billing.ActiveSubscription {
	out := &billing.ActiveSubscription{ID: sub.ID, Status: string(sub.Status)}
	if sub.Items == nil {
		return out
	}
	var periodEnd int64
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		if out.PriceID == "" && item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodEnd > periodEnd {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0).UTC()
		out.PeriodEnd = &t
	}
	return out
}
