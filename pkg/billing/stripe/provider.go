package stripe

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	providerName           = "stripe"
	defaultHTTPTimeout     = 10 * time.Second
	defaultRateLimitWindow = time.Minute
	maxWebhookBodyBytes    = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// API replaces the stripe-go client built from APIKey. Tests use it to
	// inject fakes.
	API API

	// AllowPromotionCodes enables promotion code entry on checkout pages.
	AllowPromotionCodes bool
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	storage     subsync.Storage
	api         API
	verifier    *Verifier
	sync        *Synchronizer
	dispatcher  *Dispatcher
	rateLimiter *internal.RateLimiter
	metrics     billing.Metrics
	logger      subsync.Logger
	config      Config
	now         func() time.Time

	// customers collapses concurrent first checkouts of one user into a
	// single Stripe customer creation.
	customers singleflight.Group
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider. Storage is required.
// Without a webhook secret the endpoint answers 503; without an API key
// (or Config.API) checkout, portal and reconciliation return
// billing.ErrProviderNotConfigured.
func NewProvider(config Config) (*Provider, error) {
	if config.Storage == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}

	api := config.API
	if api == nil {
		if key := strings.TrimSpace(config.APIKey); key != "" {
			httpClient := config.HTTPClient
			if httpClient == nil {
				httpClient = &http.Client{Timeout: defaultHTTPTimeout}
			}
			api = newAPIClient(key, httpClient, metrics)
		}
	}

	var limiter *internal.RateLimiter
	if config.RateLimitRequests > 0 {
		window := config.RateLimitWindow
		if window <= 0 {
			window = defaultRateLimitWindow
		}
		limiter = internal.NewRateLimiter(config.RateLimitRequests, window)
	}

	sync := NewSynchronizer(config.Storage, api, config.OnActivation, metrics, logger)

	return &Provider{
		storage:     config.Storage,
		api:         api,
		verifier:    NewVerifier(strings.TrimSpace(config.WebhookSecret), config.SignatureTolerance),
		sync:        sync,
		dispatcher:  NewDispatcher(sync, api),
		rateLimiter: limiter,
		metrics:     metrics,
		logger:      logger,
		config:      config,
		now:         time.Now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

func (p *Provider) requireAPI() (API, error) {
	if p.api == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	return p.api, nil
}
