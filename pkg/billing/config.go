package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Storage receives every record the provider synchronizes
	Storage subsync.Storage

	// WebhookSecret is the signing secret shared with the provider.
	// A provider may be built without it; its webhook endpoint then answers 503.
	WebhookSecret string

	// APIKey is used for outbound API calls (checkout, portal, reconciliation).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// SignatureTolerance is the maximum accepted age of a signed webhook timestamp.
	// Default: 5 minutes
	SignatureTolerance time.Duration

	// RateLimitRequests is the per-IP request budget of the webhook endpoint
	// within RateLimitWindow. Zero disables rate limiting.
	RateLimitRequests int

	// RateLimitWindow defaults to one minute.
	RateLimitWindow time.Duration

	// OnActivation is invoked once per subscription, the first time it is
	// created locally. A returned error fails the event so it is redelivered.
	OnActivation ActivationHook

	// Metrics is an optional metrics collector.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger. Defaults to subsync.NoopLogger.
	Logger subsync.Logger
}
