package stripe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// API is the subset of the Stripe API the provider calls. The webhook
// pipeline only needs RetrieveSubscription; the rest serves checkout and
// reconciliation.
type API interface {
	// RetrieveSubscription fetches a subscription with its default payment method expanded.
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	ListCustomerSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	ListProducts(ctx context.Context) ([]*stripe.Product, error)
	ListPrices(ctx context.Context) ([]*stripe.Price, error)
	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

// apiClient implements API over the stripe-go client and records call metrics.
type apiClient struct {
	client  *stripe.Client
	metrics billing.Metrics
}

func newAPIClient(apiKey string, httpClient *http.Client, metrics billing.Metrics) *apiClient {
	var opts []stripe.ClientOption
	if httpClient != nil {
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient: httpClient,
		})))
	}
	return &apiClient{
		client:  stripe.NewClient(apiKey, opts...),
		metrics: metrics,
	}
}

// observe records the outcome and latency of one API call.
func (c *apiClient) observe(endpoint string, start time.Time, err error) error {
	status := "success"
	if err != nil {
		status = "error"
		err = fmt.Errorf("%w: %s: %v", billing.ErrProviderAPIError, endpoint, err)
	}
	c.metrics.RecordAPICall(providerName, endpoint, status)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	return err
}

func (c *apiClient) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	start := time.Now()
	params := &stripe.SubscriptionRetrieveParams{}
	params.AddExpand("default_payment_method")
	sub, err := c.client.V1Subscriptions.Retrieve(ctx, id, params)
	return sub, c.observe("/subscriptions/{id}", start, err)
}

func (c *apiClient) ListCustomerSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	start := time.Now()
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	var subs []*stripe.Subscription
	for sub, err := range c.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, c.observe("/subscriptions", start, err)
		}
		subs = append(subs, sub)
	}
	return subs, c.observe("/subscriptions", start, nil)
}

func (c *apiClient) ListProducts(ctx context.Context) ([]*stripe.Product, error) {
	start := time.Now()
	var products []*stripe.Product
	for p, err := range c.client.V1Products.List(ctx, &stripe.ProductListParams{}) {
		if err != nil {
			return nil, c.observe("/products", start, err)
		}
		products = append(products, p)
	}
	return products, c.observe("/products", start, nil)
}

func (c *apiClient) ListPrices(ctx context.Context) ([]*stripe.Price, error) {
	start := time.Now()
	var prices []*stripe.Price
	for p, err := range c.client.V1Prices.List(ctx, &stripe.PriceListParams{}) {
		if err != nil {
			return nil, c.observe("/prices", start, err)
		}
		prices = append(prices, p)
	}
	return prices, c.observe("/prices", start, nil)
}

func (c *apiClient) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	start := time.Now()
	cust, err := c.client.V1Customers.Create(ctx, params)
	return cust, c.observe("/customers", start, err)
}

func (c *apiClient) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	start := time.Now()
	session, err := c.client.V1CheckoutSessions.Create(ctx, params)
	return session, c.observe("/checkout/sessions", start, err)
}

func (c *apiClient) CreatePortalSession(
	ctx context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	start := time.Now()
	session, err := c.client.V1BillingPortalSessions.Create(ctx, params)
	return session, c.observe("/billing_portal/sessions", start, err)
}
