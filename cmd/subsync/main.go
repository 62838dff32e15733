// Command subsync serves the Stripe webhook endpoint and the billing API,
// keeping a local copy of the catalog and subscriptions in sync.
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

	"cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing"
	billingprom "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/subsync"
	subsynczerolog "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
	firestorestorage "github.com/mihaimyh/subsync/storage/firestore"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	redisstorage "github.com/mihaimyh/subsync/storage/redis"
	"github.com/mihaimyh/subsync/storage/tiered"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zl := newZerolog(cfg)
	if err := run(cfg, zl); err != nil {
		zl.Fatal().Err(err).Msg("subsync stopped")
	}
}

func newZerolog(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var zl zerolog.Logger
	if cfg.LogFormat == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(os.Stderr)
	}
	return zl.Level(level).With().Timestamp().Str("service", "subsync").Logger()
}

func run(cfg *Config, zl zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := subsynczerolog.NewLogger(&zl)

	store, closeStore, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	breaker := subsync.NewCircuitBreaker(subsync.CircuitBreakerConfig{
		OnStateChange: func(state subsync.CircuitBreakerState) {
			logger.Warn("storage circuit breaker state changed", subsync.Field{Key: "state", Value: string(state)})
		},
	})
	storage := subsync.NewCircuitBreakerStorage(store, breaker)

	registry := prometheus.NewRegistry()
	metrics := billingprom.NewMetrics(registry, cfg.MetricsNamespace)

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Storage:            storage,
			WebhookSecret:      cfg.WebhookSecret,
			APIKey:             cfg.APIKey,
			SignatureTolerance: cfg.SignatureTolerance,
			RateLimitRequests:  cfg.WebhookRateLimit,
			OnActivation:       logActivation(logger),
			Metrics:            metrics,
			Logger:             logger,
		},
		AllowPromotionCodes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create stripe provider: %w", err)
	}

	if cfg.ReconcileOnStart {
		if err := provider.ReconcileCatalog(ctx); err != nil {
			// The webhook stream still converges the catalog
			logger.Error("startup catalog reconcile failed", subsync.ErrorField(err))
		}
	}

	getUserID := api.FromHeader("X-User-ID")
	if cfg.JWTSecret != "" {
		getUserID = api.FromBearerJWT(cfg.JWTSecret)
	}
	apiHandler, err := api.NewHandler(api.Config{
		Storage:    storage,
		Provider:   provider,
		GetUserID:  getUserID,
		SuccessURL: cfg.SuccessURL,
		CancelURL:  cfg.CancelURL,
		ReturnURL:  cfg.ReturnURL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg, provider, apiHandler, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info().Str("addr", cfg.Addr).Str("storage", cfg.Storage).Msg("subsync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(cfg *Config, provider billing.Provider, apiHandler *api.Handler, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	// Stripe posts server-to-server; CORS only applies to the browser API
	r.Handle("/webhooks/stripe", provider.WebhookHandler())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	})
	r.Group(func(r chi.Router) {
		r.Use(corsHandler.Handler)
		r.Get("/api/pricing", apiHandler.GetPricing)
		r.Get("/api/subscription", apiHandler.GetSubscription)
		r.Post("/api/subscription/sync", apiHandler.SyncSubscription)
		r.Post("/api/checkout", apiHandler.CreateCheckout)
		r.Post("/api/portal", apiHandler.CreatePortal)
	})

	return r
}

func logActivation(logger subsync.Logger) billing.ActivationHook {
	return func(_ context.Context, event billing.ActivationEvent) error {
		logger.Info("subscription activated",
			subsync.Field{Key: "user_id", Value: event.UserID},
			subsync.Field{Key: "customer_id", Value: event.CustomerID},
			subsync.Field{Key: "subscription_id", Value: event.SubscriptionID},
			subsync.Field{Key: "status", Value: string(event.Status)},
			subsync.Field{Key: "event_type", Value: event.EventType},
		)
		return nil
	}
}

// openStorage builds the configured backend. The returned func releases it.
func openStorage(ctx context.Context, cfg *Config, logger subsync.Logger) (subsync.Storage, func(), error) {
	if cfg.Storage != backendTiered {
		return openBackend(ctx, cfg, cfg.Storage)
	}

	hot, closeHot, err := openBackend(ctx, cfg, cfg.TieredHot)
	if err != nil {
		return nil, nil, err
	}
	cold, closeCold, err := openBackend(ctx, cfg, cfg.TieredCold)
	if err != nil {
		closeHot()
		return nil, nil, err
	}
	store, err := tiered.New(tiered.Config{
		Hot:          hot,
		Cold:         cold,
		AsyncHotSync: cfg.TieredAsync,
		HotErrorHandler: func(err error) {
			logger.Warn("hot tier write failed", subsync.ErrorField(err))
		},
	})
	if err != nil {
		closeHot()
		closeCold()
		return nil, nil, err
	}
	return store, func() {
		// Drain queued hot writes before the tiers go away
		_ = store.Close()
		closeHot()
		closeCold()
	}, nil
}

func openBackend(ctx context.Context, cfg *Config, backend string) (subsync.Storage, func(), error) {
	switch backend {
	case backendMemory:
		return memory.New(), func() {}, nil

	case backendPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return store, store.Close, nil

	case backendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := redisstorage.New(client, redisstorage.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	case backendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := firestorestorage.New(client, firestorestorage.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
