package stripe

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v83"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mihaimyh/quoteflow/pkg/billing"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultPlanName          = "Premium"
	defaultPlanKeyWildcard   = "*"
	defaultPlanKeyDefault    = "default"
	subscriptionStatusActive = "active"
	metadataUserID           = "user_id"
	tracerName               = "github.com/mihaimyh/quoteflow/pkg/billing/stripe"
)

// CheckoutConfig describes what a hosted checkout sells.
// When PriceID is set it is used as-is; otherwise an inline recurring price is
// built from the remaining fields.
type CheckoutConfig struct {
	PriceID string

	Currency           string
	UnitAmount         int64
	ProductName        string
	ProductDescription string
	Interval           string // "month" or "year"

	// SuccessPath and CancelPath are appended to the request origin.
	SuccessPath string
	CancelPath  string

	AllowPromotionCodes bool
}

// DefaultCheckoutConfig returns the single premium plan sold by QuoteFlow.
func DefaultCheckoutConfig() CheckoutConfig {
	return CheckoutConfig{
		Currency:            "brl",
		UnitAmount:          990,
		ProductName:         "Assinatura Premium",
		ProductDescription:  "Acesso a todos os recursos premium",
		Interval:            "month",
		SuccessPath:         "/dashboard/settings/billing?success=true",
		CancelPath:          "/dashboard/settings/billing?canceled=true",
		AllowPromotionCodes: true,
	}
}

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (APIKey, WebhookSecret, PlanMapping, etc.)

	Checkout CheckoutConfig

	// DefaultPlan is reported for prices that are neither mapped nor nameable.
	// Defaults to "Premium".
	DefaultPlan string

	// Ledger enables event-id deduplication on the webhook endpoint. Nil disables it.
	Ledger billing.EventLedger

	// RateLimitRequests per RateLimitWindow per client IP on the webhook endpoint.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// BackendURL overrides the Stripe API base URL (stripe-mock, tests).
	BackendURL string
}

// Provider implements billing.PaymentProvider for Stripe and serves the
// Stripe webhook endpoint.
type Provider struct {
	config       Config
	stripeClient *stripe.Client
	verifier     *Verifier
	planMapping  map[string]string // lower-cased price/product ID -> plan
	defaultPlan  string
	priceNames   sync.Map // price ID -> plan name resolved from the API
	ledger       billing.EventLedger
	logger       billing.Logger
	metrics      billing.Metrics
	tracer       trace.Tracer
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backendConfig := &stripe.BackendConfig{HTTPClient: httpClient}
	if config.BackendURL != "" {
		backendConfig.URL = stripe.String(strings.TrimRight(config.BackendURL, "/"))
	}
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	planMapping := make(map[string]string, len(config.PlanMapping))
	for k, v := range config.PlanMapping {
		planMapping[strings.ToLower(strings.TrimSpace(k))] = v
	}

	defaultPlan := strings.TrimSpace(config.DefaultPlan)
	if defaultPlan == "" {
		defaultPlan = defaultPlanName
	}
	if p, ok := planMapping[defaultPlanKeyWildcard]; ok {
		defaultPlan = p
	} else if p, ok := planMapping[defaultPlanKeyDefault]; ok {
		defaultPlan = p
	}

	if config.Checkout == (CheckoutConfig{}) {
		config.Checkout = DefaultCheckoutConfig()
	}
	if config.RateLimitRequests == 0 {
		config.RateLimitRequests = defaultRateLimitRequests
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Provider{
		config:       config,
		stripeClient: stripeClient,
		verifier:     NewVerifier(config.WebhookSecret, logger),
		planMapping:  planMapping,
		defaultPlan:  defaultPlan,
		ledger:       config.Ledger,
		logger:       logger,
		metrics:      metrics,
		tracer:       tp.Tracer(tracerName),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Verifier returns the webhook event verifier.
func (p *Provider) Verifier() *Verifier {
	return p.verifier
}

// DefaultPlan returns the plan reported for unknown prices
func (p *Provider) DefaultPlan() string {
	return p.defaultPlan
}

// MapPriceToPlan maps a Stripe Price ID or Product ID using the static mapping only.
// The second result is false when the id is not mapped.
func (p *Provider) MapPriceToPlan(priceID string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(priceID))
	if key == "" {
		return "", false
	}
	plan, ok := p.planMapping[key]
	return plan, ok
}

// PlanForPrice resolves a price to a plan name: the static mapping first, then
// the price's product name or nickname from the API, then the default plan.
// API lookups are cached for the life of the provider.
func (p *Provider) PlanForPrice(ctx context.Context, priceID string) string {
	if strings.TrimSpace(priceID) == "" {
		return p.defaultPlan
	}
	if plan, ok := p.MapPriceToPlan(priceID); ok {
		return plan
	}
	if cached, ok := p.priceNames.Load(priceID); ok {
		return cached.(string)
	}

	plan, productID, err := p.retrievePlanName(ctx, priceID)
	if err != nil {
		p.logger.Warn("price lookup failed, using default plan",
			billing.F("price_id", priceID),
			billing.F("error", err),
		)
		return p.defaultPlan
	}
	if mapped, ok := p.MapPriceToPlan(productID); ok {
		plan = mapped
	}
	if plan == "" {
		plan = p.defaultPlan
	}
	p.priceNames.Store(priceID, plan)
	return plan
}
