package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("SUPABASE_JWT_SECRET", "jwt-secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "stored", cfg.QueryMode)
	assert.Equal(t, 30*time.Second, cfg.QueryCacheTTL)
	assert.Equal(t, int64(990), cfg.CheckoutUnitAmount)
	assert.Equal(t, "month", cfg.CheckoutInterval)
	assert.Equal(t, "authenticated", cfg.JWTAudience)
	assert.True(t, cfg.WebhookDedup)
	assert.Equal(t, 72*time.Hour, cfg.WebhookDedupTTL)
	assert.Empty(t, cfg.StripePlanMap)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STRIPE_PLAN_MAP", "price_pro=Pro, price_basic = Basic")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/quoteflow")
	t.Setenv("QUERY_MODE", "live")
	t.Setenv("QUERY_CACHE_TTL", "0s")
	t.Setenv("WEBHOOK_DEDUP", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"price_pro": "Pro", "price_basic": "Basic"}, cfg.StripePlanMap)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, "live", cfg.QueryMode)
	assert.Zero(t, cfg.QueryCacheTTL)
	assert.False(t, cfg.WebhookDedup)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing stripe key",
			env:     map[string]string{"STRIPE_SECRET_KEY": ""},
			wantErr: "STRIPE_SECRET_KEY",
		},
		{
			name:    "missing jwt secret",
			env:     map[string]string{"SUPABASE_JWT_SECRET": ""},
			wantErr: "SUPABASE_JWT_SECRET",
		},
		{
			name:    "production requires webhook secret",
			env:     map[string]string{"ENVIRONMENT": "production"},
			wantErr: "STRIPE_WEBHOOK_SECRET",
		},
		{
			name:    "postgres requires database url",
			env:     map[string]string{"STORE_BACKEND": "postgres"},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "redis hot tier requires redis url",
			env:     map[string]string{"STORE_HOT": "redis"},
			wantErr: "REDIS_URL",
		},
		{
			name:    "firestore requires project",
			env:     map[string]string{"STORE_BACKEND": "firestore"},
			wantErr: "FIRESTORE_PROJECT_ID",
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"STORE_BACKEND": "mongo"},
			wantErr: "STORE_BACKEND",
		},
		{
			name:    "unknown query mode",
			env:     map[string]string{"QUERY_MODE": "both"},
			wantErr: "QUERY_MODE",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"QUERY_CACHE_TTL": "soon"},
			wantErr: "QUERY_CACHE_TTL",
		},
		{
			name:    "bad plan map",
			env:     map[string]string{"STRIPE_PLAN_MAP": "price_pro"},
			wantErr: "STRIPE_PLAN_MAP",
		},
		{
			name:    "bad origin",
			env:     map[string]string{"CHECKOUT_DEFAULT_ORIGIN": "not a url"},
			wantErr: "CHECKOUT_DEFAULT_ORIGIN",
		},
		{
			name:    "bad allowed origin",
			env:     map[string]string{"CHECKOUT_ALLOWED_ORIGINS": "https://app.example.com, nope"},
			wantErr: "CHECKOUT_ALLOWED_ORIGINS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_ProductionWithSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestParsePlanMap(t *testing.T) {
	plans, err := parsePlanMap("")
	require.NoError(t, err)
	assert.Empty(t, plans)

	plans, err = parsePlanMap("price_a=Pro,,price_b=Team,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"price_a": "Pro", "price_b": "Team"}, plans)

	_, err = parsePlanMap("price_a=")
	assert.Error(t, err)
}
