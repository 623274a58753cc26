package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Environment string `validate:"oneof=development staging production test"`
	HTTPAddr    string `validate:"required"`
	MetricsAddr string
	LogLevel    string `validate:"oneof=debug info warn error"`
	LogFormat   string `validate:"oneof=json console"`

	StripeSecretKey     string `validate:"required"`
	StripeWebhookSecret string `validate:"required_if=Environment production"`
	StripePlanMap       map[string]string
	StripeDefaultPlan   string

	StripePriceID              string
	CheckoutCurrency           string   `validate:"required_without=StripePriceID"`
	CheckoutUnitAmount         int64    `validate:"required_without=StripePriceID,gte=0"`
	CheckoutProductName        string   `validate:"required_without=StripePriceID"`
	CheckoutProductDescription string
	CheckoutInterval           string   `validate:"oneof=month year"`
	CheckoutDefaultOrigin      string   `validate:"omitempty,url"`
	CheckoutAllowedOrigins     []string `validate:"dive,url"`

	JWTSecret   string `validate:"required"`
	JWTAudience string

	StoreBackend         string `validate:"oneof=memory postgres redis firestore"`
	StoreHot             string `validate:"omitempty,oneof=memory redis"`
	DatabaseURL          string `validate:"required_if=StoreBackend postgres"`
	DatabaseEnsureSchema bool
	RedisURL             string `validate:"required_if=StoreBackend redis,required_if=StoreHot redis"`
	FirestoreProjectID   string `validate:"required_if=StoreBackend firestore"`

	QueryMode     string        `validate:"oneof=live stored"`
	QueryCacheTTL time.Duration `validate:"gte=0"`

	WebhookDedup    bool
	WebhookDedupTTL time.Duration `validate:"gt=0"`
}

// LoadConfig reads .env (when present) and the environment, then validates.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnvOrDefault("ENVIRONMENT", "development"),
		HTTPAddr:    getEnvOrDefault("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnvOrDefault("METRICS_ADDR", ":9090"),
		LogLevel:    strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json")),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeDefaultPlan:   getEnvOrDefault("STRIPE_DEFAULT_PLAN", "Premium"),

		StripePriceID:              os.Getenv("STRIPE_PRICE_ID"),
		CheckoutCurrency:           getEnvOrDefault("CHECKOUT_CURRENCY", "brl"),
		CheckoutProductName:        getEnvOrDefault("CHECKOUT_PRODUCT_NAME", "Assinatura Premium"),
		CheckoutProductDescription: getEnvOrDefault("CHECKOUT_PRODUCT_DESCRIPTION", "Acesso a todos os recursos premium"),
		CheckoutInterval:           getEnvOrDefault("CHECKOUT_INTERVAL", "month"),
		CheckoutDefaultOrigin:      os.Getenv("CHECKOUT_DEFAULT_ORIGIN"),

		JWTSecret:   os.Getenv("SUPABASE_JWT_SECRET"),
		JWTAudience: getEnvOrDefault("JWT_AUDIENCE", "authenticated"),

		StoreBackend:       getEnvOrDefault("STORE_BACKEND", "memory"),
		StoreHot:           os.Getenv("STORE_HOT"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		FirestoreProjectID: os.Getenv("FIRESTORE_PROJECT_ID"),

		QueryMode: getEnvOrDefault("QUERY_MODE", "stored"),
	}

	var errs []error
	var err error

	cfg.CheckoutAllowedOrigins = splitList(os.Getenv("CHECKOUT_ALLOWED_ORIGINS"))
	if cfg.StripePlanMap, err = parsePlanMap(os.Getenv("STRIPE_PLAN_MAP")); err != nil {
		errs = append(errs, err)
	}
	if cfg.CheckoutUnitAmount, err = getEnvInt64("CHECKOUT_UNIT_AMOUNT", 990); err != nil {
		errs = append(errs, err)
	}
	if cfg.DatabaseEnsureSchema, err = getEnvBool("DATABASE_ENSURE_SCHEMA", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.QueryCacheTTL, err = getEnvDuration("QUERY_CACHE_TTL", 30*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.WebhookDedup, err = getEnvBool("WEBHOOK_DEDUP", true); err != nil {
		errs = append(errs, err)
	}
	if cfg.WebhookDedupTTL, err = getEnvDuration("WEBHOOK_DEDUP_TTL", 72*time.Hour); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and reports every failing variable.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field, _, _ := strings.Cut(fe.Field(), "[")
		msgs = append(msgs, fmt.Sprintf("%s failed %q", envName(field), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// IsProduction reports whether unsigned webhooks must be refused.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

var envNames = map[string]string{
	"Environment":            "ENVIRONMENT",
	"HTTPAddr":               "HTTP_ADDR",
	"LogLevel":               "LOG_LEVEL",
	"LogFormat":              "LOG_FORMAT",
	"StripeSecretKey":        "STRIPE_SECRET_KEY",
	"StripeWebhookSecret":    "STRIPE_WEBHOOK_SECRET",
	"CheckoutCurrency":       "CHECKOUT_CURRENCY",
	"CheckoutUnitAmount":     "CHECKOUT_UNIT_AMOUNT",
	"CheckoutProductName":    "CHECKOUT_PRODUCT_NAME",
	"CheckoutInterval":       "CHECKOUT_INTERVAL",
	"CheckoutDefaultOrigin":  "CHECKOUT_DEFAULT_ORIGIN",
	"CheckoutAllowedOrigins": "CHECKOUT_ALLOWED_ORIGINS",
	"JWTSecret":              "SUPABASE_JWT_SECRET",
	"StoreBackend":           "STORE_BACKEND",
	"StoreHot":               "STORE_HOT",
	"DatabaseURL":            "DATABASE_URL",
	"RedisURL":               "REDIS_URL",
	"FirestoreProjectID":     "FIRESTORE_PROJECT_ID",
	"QueryMode":              "QUERY_MODE",
	"QueryCacheTTL":          "QUERY_CACHE_TTL",
	"WebhookDedupTTL":        "WEBHOOK_DEDUP_TTL",
}

func envName(field string) string {
	if name, ok := envNames[field]; ok {
		return name
	}
	return field
}

// parsePlanMap parses "price_x=Pro,price_y=Basic".
func parsePlanMap(raw string) (map[string]string, error) {
	plans := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("STRIPE_PLAN_MAP: invalid entry %q", pair)
		}
		plans[key] = value
	}
	return plans, nil
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
