package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testUserID        = "user_123"
	testCustomerID    = "cus_123"
	testProductID     = "prod_123"
	testPriceID       = "price_123"
	testSubID         = "sub_123"
)

var testEventTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeAPI is an in-memory stand-in for the Stripe API.
type fakeAPI struct {
	mu              sync.Mutex
	subscriptions   map[string]*stripe.Subscription
	products        []*stripe.Product
	prices          []*stripe.Price
	err             error
	retrieveCalls   int
	customerParams  []*stripe.CustomerCreateParams
	checkoutParams  []*stripe.CheckoutSessionCreateParams
	portalParams    []*stripe.BillingPortalSessionCreateParams
	customerCounter int

	// onCreateCustomer runs after each customer creation, before it returns.
	onCreateCustomer func(*stripe.Customer)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{subscriptions: make(map[string]*stripe.Subscription)}
}

func (f *fakeAPI) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieveCalls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such subscription %s", billing.ErrProviderAPIError, id)
	}
	return sub, nil
}

func (f *fakeAPI) ListCustomerSubscriptions(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*stripe.Subscription
	for _, sub := range f.subscriptions {
		if sub.Customer != nil && sub.Customer.ID == customerID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeAPI) ListProducts(_ context.Context) ([]*stripe.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.products, nil
}

func (f *fakeAPI) ListPrices(_ context.Context) ([]*stripe.Price, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prices, nil
}

func (f *fakeAPI) CreateCustomer(_ context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.customerParams = append(f.customerParams, params)
	f.customerCounter++
	cust := &stripe.Customer{
		ID:       fmt.Sprintf("cus_new_%d", f.customerCounter),
		Created:  testEventTime.Unix(),
		Metadata: params.Metadata,
	}
	if params.Email != nil {
		cust.Email = *params.Email
	}
	if f.onCreateCustomer != nil {
		f.onCreateCustomer(cust)
	}
	return cust, nil
}

func (f *fakeAPI) CreateCheckoutSession(
	_ context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.checkoutParams = append(f.checkoutParams, params)
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.com/c/pay/cs_test"}, nil
}

func (f *fakeAPI) CreatePortalSession(
	_ context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.portalParams = append(f.portalParams, params)
	return &stripe.BillingPortalSession{ID: "bps_test", URL: "https://billing.stripe.com/p/session/test"}, nil
}

// activationRecorder collects ActivationHook invocations.
type activationRecorder struct {
	mu     sync.Mutex
	events []billing.ActivationEvent
	err    error
}

func (r *activationRecorder) hook(_ context.Context, event billing.ActivationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *activationRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type testEnv struct {
	storage    *memory.Storage
	api        *fakeAPI
	activation *activationRecorder
	provider   *Provider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		storage:    memory.New(),
		api:        newFakeAPI(),
		activation: &activationRecorder{},
	}
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Storage:       env.storage,
			WebhookSecret: testWebhookSecret,
			OnActivation:  env.activation.hook,
		},
		API: env.api,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	provider.now = func() time.Time { return testEventTime.Add(time.Hour) }
	env.provider = provider
	return env
}

// seedCustomer stores the customer mapping checkout would have created.
func (e *testEnv) seedCustomer(t *testing.T) {
	t.Helper()
	err := e.storage.UpsertCustomer(context.Background(), &subsync.Customer{
		ID:        testCustomerID,
		UserID:    testUserID,
		Email:     "ada@example.com",
		UpdatedAt: testEventTime.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
}

func (e *testEnv) seedProduct(t *testing.T) {
	t.Helper()
	ev := newEvent("evt_seed_product", KindProductCreated, testEventTime.Add(-time.Hour), productJSON(testProductID, "Pro", true))
	if _, err := e.provider.dispatcher.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("seed product: %v", err)
	}
}

func newEvent(id string, kind EventKind, created time.Time, object string) *stripe.Event {
	return &stripe.Event{
		ID:      id,
		Type:    stripe.EventType(kind),
		Created: created.Unix(),
		Data:    &stripe.EventData{Raw: json.RawMessage(object)},
	}
}

// eventJSON renders a full event envelope as Stripe sends it.
func eventJSON(id, eventType string, created time.Time, object string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"object":"event","api_version":%q,"created":%d,"livemode":false,"type":%q,"data":{"object":%s}}`,
		id, stripe.APIVersion, created.Unix(), eventType, object))
}

func productJSON(id, name string, active bool) string {
	return fmt.Sprintf(
		`{"id":%q,"object":"product","name":%q,"description":"All features","active":%t,"images":["https://example.com/pro.png"],"metadata":{"tier":"pro"}}`,
		id, name, active)
}

func priceJSON(id, productID string, amount int64) string {
	return fmt.Sprintf(
		`{"id":%q,"object":"price","product":%q,"active":true,"currency":"usd","unit_amount":%d,"type":"recurring","recurring":{"interval":"month","interval_count":1,"trial_period_days":14},"metadata":{}}`,
		id, productID, amount)
}

func customerJSON(id, email string) string {
	return fmt.Sprintf(`{"id":%q,"object":"customer","email":%q,"name":"Ada Lovelace","metadata":{}}`, id, email)
}

func subscriptionJSON(id, customerID, status string) string {
	start := testEventTime.Unix()
	end := testEventTime.AddDate(0, 1, 0).Unix()
	return fmt.Sprintf(`{"id":%q,"object":"subscription","customer":%q,"status":%q,"cancel_at_period_end":false,`+
		`"created":%d,"default_payment_method":"pm_123","metadata":{"source":"test"},`+
		`"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","quantity":1,`+
		`"current_period_start":%d,"current_period_end":%d,"price":{"id":%q,"object":"price","product":%q}}]}}`,
		id, customerID, status, start, start, end, testPriceID, testProductID)
}

func paymentIntentJSON(id, customerID string) string {
	return fmt.Sprintf(`{"id":%q,"object":"payment_intent","amount":2000,"currency":"usd","customer":%q,"status":"processing"}`,
		id, customerID)
}

func checkoutJSON(mode, subscription string) string {
	sub := "null"
	if subscription != "" {
		sub = fmt.Sprintf("%q", subscription)
	}
	return fmt.Sprintf(`{"id":"cs_123","object":"checkout.session","mode":%q,"customer":%q,"subscription":%s,"metadata":{"user_id":%q}}`,
		mode, testCustomerID, sub, testUserID)
}

// apiSubscription is what the API returns for testSubID, with the default
// payment method expanded.
func apiSubscription(status stripe.SubscriptionStatus) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       testSubID,
		Customer: &stripe.Customer{ID: testCustomerID},
		Status:   status,
		Created:  testEventTime.Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				ID:                 "si_1",
				Quantity:           1,
				Price:              &stripe.Price{ID: testPriceID},
				CurrentPeriodStart: testEventTime.Unix(),
				CurrentPeriodEnd:   testEventTime.AddDate(0, 1, 0).Unix(),
			}},
		},
		DefaultPaymentMethod: &stripe.PaymentMethod{
			ID:   "pm_123",
			Type: stripe.PaymentMethodTypeCard,
			BillingDetails: &stripe.PaymentMethodBillingDetails{
				Name:  "Ada Lovelace",
				Email: "ada@example.com",
				Address: &stripe.Address{
					Line1:   "12 St James's Square",
					City:    "London",
					Country: "GB",
				},
			},
		},
	}
}

// signedRequest builds a webhook POST signed with secret at ts.
func signedRequest(t *testing.T, body []byte, secret string, ts time.Time) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: ts,
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}
