// Command quoteflow serves the Stripe webhook endpoint and the subscription API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/quoteflow/pkg/api"
	"github.com/mihaimyh/quoteflow/pkg/auth"
	"github.com/mihaimyh/quoteflow/pkg/billing"
	zerologadapter "github.com/mihaimyh/quoteflow/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/quoteflow/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/quoteflow/pkg/billing/stripe"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

const (
	metricsNamespace = "quoteflow"
	shutdownTimeout  = 15 * time.Second
	webhookPath      = "/webhooks/stripe"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quoteflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	zlog := newZerolog(cfg)
	logger := zerologadapter.NewLogger(&zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(reg, metricsNamespace)

	app, err := newApp(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer app.Close()

	apiServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{apiServer}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", billing.F("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newZerolog(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var zlog zerolog.Logger
	if cfg.LogFormat == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "quoteflow").Logger()
}

// routes mounts the webhook endpoint and the authenticated subscription API.
func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	r.Method(http.MethodPost, webhookPath, a.provider.WebhookHandler(a.reconciler.Router()))

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(a.verifier, a.logger))
		r.Get("/subscription", a.api.Status)
		r.Post("/subscription", a.api.Status)
		r.Post("/checkout", a.api.Checkout)
		r.Post("/portal", a.api.Portal)
	})
	return r
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	if a.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ping(ctx); err != nil {
			a.logger.Warn("health check failed", billing.F("error", err))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// app holds the dependencies constructed once at startup.
type app struct {
	logger     billing.Logger
	provider   *stripe.Provider
	reconciler *subscription.Reconciler
	verifier   *auth.Verifier
	api        *api.Handler
	ping       func(context.Context) error
	closers    []func() error
}

// Close releases store clients in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", billing.F("error", err))
		}
	}
}
