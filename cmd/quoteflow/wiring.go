package main

import (
	"context"
	"fmt"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/quoteflow/pkg/api"
	"github.com/mihaimyh/quoteflow/pkg/auth"
	"github.com/mihaimyh/quoteflow/pkg/billing"
	"github.com/mihaimyh/quoteflow/pkg/billing/stripe"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
	fsstore "github.com/mihaimyh/quoteflow/storage/firestore"
	"github.com/mihaimyh/quoteflow/storage/memory"
	pgstore "github.com/mihaimyh/quoteflow/storage/postgres"
	redisstore "github.com/mihaimyh/quoteflow/storage/redis"
	"github.com/mihaimyh/quoteflow/storage/tiered"
)

const snapshotCacheSize = 10000

// storeSet is what the configured backends provide.
type storeSet struct {
	store  subscription.Store
	ledger billing.EventLedger
	redis  goredis.UniversalClient
	ping   func(context.Context) error
}

// newApp constructs every dependency once.
func newApp(ctx context.Context, cfg *Config, logger billing.Logger, metrics billing.Metrics) (*app, error) {
	a := &app{logger: logger}

	stores, err := a.buildStores(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ping = stores.ping

	ledger := stores.ledger
	if !cfg.WebhookDedup {
		ledger = nil
	} else if ledger == nil {
		ledger = memory.NewLedger(cfg.WebhookDedupTTL)
	}

	if cfg.StripeWebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set: webhook signatures will not be verified")
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			APIKey:        cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			PlanMapping:   cfg.StripePlanMap,
			Metrics:       metrics,
			Logger:        logger,
		},
		Checkout:    checkoutConfig(cfg),
		DefaultPlan: cfg.StripeDefaultPlan,
		Ledger:      ledger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("stripe provider: %w", err)
	}
	a.provider = provider

	query, invalidate, err := buildQuery(cfg, stores, provider, logger, metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.reconciler, err = subscription.NewReconciler(subscription.ReconcilerConfig{
		Store:    stores.store,
		Plans:    provider,
		Provider:       provider.Name(),
		Logger:         logger,
		Metrics:  metrics,
		OnChange: invalidate,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.verifier, err = auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}

	a.api, err = api.NewHandler(api.Config{
		Query:          query,
		Provider:       provider,
		Customers:      stores.store,
		DefaultOrigin:  cfg.CheckoutDefaultOrigin,
		AllowedOrigins: cfg.CheckoutAllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func checkoutConfig(cfg *Config) stripe.CheckoutConfig {
	checkout := stripe.DefaultCheckoutConfig()
	checkout.PriceID = cfg.StripePriceID
	checkout.Currency = cfg.CheckoutCurrency
	checkout.UnitAmount = cfg.CheckoutUnitAmount
	checkout.ProductName = cfg.CheckoutProductName
	checkout.ProductDescription = cfg.CheckoutProductDescription
	checkout.Interval = cfg.CheckoutInterval
	return checkout
}

// buildStores opens the configured backend and, optionally, a hot tier in front of it.
func (a *app) buildStores(ctx context.Context, cfg *Config, logger billing.Logger) (*storeSet, error) {
	set := &storeSet{}

	var redisStore *redisstore.Storage
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		redisStore, err = redisstore.New(client, redisstore.Config{EventTTL: cfg.WebhookDedupTTL})
		if err != nil {
			return nil, err
		}
		if err := redisStore.Ping(ctx); err != nil {
			_ = redisStore.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, redisStore.Close)
		set.redis = client
	}

	switch cfg.StoreBackend {
	case "postgres":
		pgConfig := pgstore.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pgConfig.EventTTL = cfg.WebhookDedupTTL
		pg, err := pgstore.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		if cfg.DatabaseEnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("postgres schema: %w", err)
			}
		}
		set.store, set.ledger, set.ping = pg, pg, pg.Ping

	case "redis":
		set.store, set.ledger, set.ping = redisStore, redisStore, redisStore.Ping

	case "firestore":
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore: %w", err)
		}
		fs, err := fsstore.New(client, fsstore.Config{EventTTL: cfg.WebhookDedupTTL})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.closers = append(a.closers, fs.Close)
		set.store, set.ledger = fs, fs

	default:
		mem := memory.New()
		set.store = mem
		set.ledger = memory.NewLedger(cfg.WebhookDedupTTL)
	}

	var hot subscription.Store
	switch {
	case cfg.StoreHot == "redis" && cfg.StoreBackend != "redis":
		hot = redisStore
	case cfg.StoreHot == "memory" && cfg.StoreBackend != "memory":
		hot = memory.New()
	}
	if hot != nil {
		ts, err := tiered.New(tiered.Config{
			Hot:        hot,
			Cold:       set.store,
			AsyncAudit: true,
			ErrorHandler: func(err error) {
				logger.Warn("tiered store drift", billing.F("error", err))
			},
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ts.Close)
		set.store = ts
		if l := ts.Ledger(); l != nil {
			set.ledger = l
		}
	}

	return set, nil
}

// buildQuery assembles the query service and the hook that drops cached answers
// when the reconciler changes a user's subscription.
func buildQuery(cfg *Config, stores *storeSet, provider billing.PaymentProvider,
	logger billing.Logger, metrics billing.Metrics) (subscription.QueryService, func(context.Context, string), error) {
	var lookup interface {
		subscription.Lookup
		subscription.QueryService
	}
	if cfg.QueryMode == "live" {
		live, err := subscription.NewLiveQuery(subscription.LiveQueryConfig{
			Provider: provider,
			Breaker: subscription.NewCircuitBreaker(5, 30*time.Second, func(state subscription.CircuitBreakerState) {
				logger.Warn("provider circuit breaker state changed", billing.F("state", state))
			}),
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			return nil, nil, err
		}
		lookup = live
	} else {
		lookup = subscription.NewStoredQuery(stores.store, logger, metrics)
	}

	if cfg.QueryCacheTTL == 0 {
		return lookup, nil, nil
	}

	var cache subscription.SnapshotCache = subscription.NewLRUCache(snapshotCacheSize)
	if stores.redis != nil {
		cache = redisstore.NewSnapshotCache(stores.redis, "")
	}
	cached := subscription.NewCachedQuery(lookup, cache, cfg.QueryCacheTTL, logger, metrics)
	invalidate := func(ctx context.Context, userID string) {
		cached.Invalidate(ctx, subscription.Identity{UserID: userID})
	}
	return cached, invalidate, nil
}
