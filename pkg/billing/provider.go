package billing

import (
	"context"
	"net/http"
)

// Provider is the interface the HTTP API and the server program use to talk to a billing backend.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies and reconciles
	// inbound events into storage.
	WebhookHandler() http.Handler

	// ReconcileCatalog pulls every product and price from the provider and
	// upserts them. Used at startup and by nightly jobs.
	ReconcileCatalog(ctx context.Context) error

	// SyncCustomer re-reads all subscriptions of the user's customer from the
	// provider ("restore purchases"). Returns subsync.ErrCustomerNotFound when
	// the user never started a checkout.
	SyncCustomer(ctx context.Context, userID string) error

	// CheckoutURL creates a hosted checkout session for priceID, creating the
	// user's customer mapping on first use.
	CheckoutURL(ctx context.Context, userID, email, priceID, successURL, cancelURL string) (string, error)

	// PortalURL creates a billing portal session for an existing customer.
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)
}
