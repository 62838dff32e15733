package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

func serve(p *Provider, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestWebhook_Success(t *testing.T) {
	env := newTestEnv(t)
	body := eventJSON("evt_1", "product.created", testEventTime, productJSON(testProductID, "Pro", true))

	rec := serve(env.provider, signedRequest(t, body, testWebhookSecret, time.Now()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	product, err := env.storage.GetProduct(context.Background(), testProductID)
	require.NoError(t, err)
	assert.True(t, testEventTime.Equal(product.UpdatedAt))
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rec := serve(env.provider, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestWebhook_MissingSecretIsUnavailable(t *testing.T) {
	p, err := NewProvider(Config{Config: billing.Config{Storage: memory.New()}})
	require.NoError(t, err)

	body := eventJSON("evt_1", "product.created", testEventTime, productJSON(testProductID, "Pro", true))
	rec := serve(p, signedRequest(t, body, testWebhookSecret, time.Now()))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_MissingSignatureNeverDispatches(t *testing.T) {
	env := newTestEnv(t)
	body := eventJSON("evt_1", "product.created", testEventTime, productJSON(testProductID, "Pro", true))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	rec := serve(env.provider, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorBody(t, rec), "signature")

	products, err := env.storage.ListProducts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestWebhook_Rejections(t *testing.T) {
	valid := eventJSON("evt_1", "product.created", testEventTime, productJSON(testProductID, "Pro", true))

	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
		want int
	}{
		{
			name: "empty body",
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, []byte{}, testWebhookSecret, time.Now())
			},
			want: http.StatusBadRequest,
		},
		{
			name: "wrong secret",
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, valid, "whsec_other", time.Now())
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "tampered body",
			req: func(t *testing.T) *http.Request {
				signed := signedRequest(t, valid, testWebhookSecret, time.Now())
				tampered := bytes.Replace(valid, []byte(`"Pro"`), []byte(`"Free"`), 1)
				req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(tampered))
				req.Header.Set(signatureHeader, signed.Header.Get(signatureHeader))
				return req
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "stale timestamp",
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, valid, testWebhookSecret, time.Now().Add(-time.Hour))
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "signed garbage",
			req: func(t *testing.T) *http.Request {
				return signedRequest(t, []byte("not json"), testWebhookSecret, time.Now())
			},
			want: http.StatusBadRequest,
		},
		{
			name: "too large",
			req: func(t *testing.T) *http.Request {
				big := []byte(`{"pad":"` + strings.Repeat("x", maxWebhookBodyBytes) + `"}`)
				return signedRequest(t, big, testWebhookSecret, time.Now())
			},
			want: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := serve(env.provider, tt.req(t))
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, errorBody(t, rec))

			products, err := env.storage.ListProducts(context.Background())
			require.NoError(t, err)
			assert.Empty(t, products)
		})
	}
}

func TestWebhook_IrrelevantEventAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	body := eventJSON("evt_1", "invoice.paid", testEventTime, `{"id":"in_1","object":"invoice"}`)

	rec := serve(env.provider, signedRequest(t, body, testWebhookSecret, time.Now()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}

func TestWebhook_SynchronizerFailureIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	body := eventJSON("evt_1", "price.created", testEventTime, priceJSON(testPriceID, "prod_missing", 1500))

	rec := serve(env.provider, signedRequest(t, body, testWebhookSecret, time.Now()))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorBody(t, rec), subsync.ErrProductNotFound.Error())
}

func TestWebhook_ProductDeletedTwice(t *testing.T) {
	env := newTestEnv(t)
	body := eventJSON("evt_1", "product.deleted", testEventTime, `{"id":"prod_1","object":"product","deleted":true}`)

	for i := 0; i < 2; i++ {
		rec := serve(env.provider, signedRequest(t, body, testWebhookSecret, time.Now()))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestWebhook_CheckoutWithoutAPIIsUnavailable(t *testing.T) {
	p, err := NewProvider(Config{Config: billing.Config{
		Storage:       memory.New(),
		WebhookSecret: testWebhookSecret,
	}})
	require.NoError(t, err)

	body := eventJSON("evt_1", "checkout.session.completed", testEventTime, checkoutJSON("subscription", testSubID))
	rec := serve(p, signedRequest(t, body, testWebhookSecret, time.Now()))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedCustomer(t)
	env.api.subscriptions[testSubID] = apiSubscription(stripe.SubscriptionStatusActive)
	ctx := context.Background()

	deliver := func(id, eventType string, created time.Time, object string) {
		t.Helper()
		body := eventJSON(id, eventType, created, object)
		rec := serve(env.provider, signedRequest(t, body, testWebhookSecret, time.Now()))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	deliver("evt_1", "customer.subscription.created", testEventTime, subscriptionJSON(testSubID, testCustomerID, "active"))
	sub, err := subsync.ActiveSubscription(ctx, env.storage, testUserID)
	require.NoError(t, err)
	assert.Equal(t, testSubID, sub.ID)

	deliver("evt_2", "customer.subscription.updated", testEventTime.Add(time.Minute), subscriptionJSON(testSubID, testCustomerID, "past_due"))
	_, err = subsync.ActiveSubscription(ctx, env.storage, testUserID)
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	// A late redelivery of the creation does not resurrect the old status
	deliver("evt_1", "customer.subscription.created", testEventTime, subscriptionJSON(testSubID, testCustomerID, "active"))
	stored, err := env.storage.GetSubscription(ctx, testSubID)
	require.NoError(t, err)
	assert.Equal(t, subsync.SubscriptionStatusPastDue, stored.Status)

	deliver("evt_3", "customer.subscription.deleted", testEventTime.Add(2*time.Minute), subscriptionJSON(testSubID, testCustomerID, "active"))
	stored, err = env.storage.GetSubscription(ctx, testSubID)
	require.NoError(t, err)
	assert.Equal(t, subsync.SubscriptionStatusCanceled, stored.Status)

	assert.Equal(t, 1, env.activation.count())
}

func TestWebhook_RateLimited(t *testing.T) {
	p, err := NewProvider(Config{Config: billing.Config{
		Storage:           memory.New(),
		WebhookSecret:     testWebhookSecret,
		RateLimitRequests: 1,
		RateLimitWindow:   time.Minute,
	}})
	require.NoError(t, err)

	body := eventJSON("evt_1", "invoice.paid", testEventTime, `{"id":"in_1"}`)
	first := serve(p, signedRequest(t, body, testWebhookSecret, time.Now()))
	second := serve(p, signedRequest(t, body, testWebhookSecret, time.Now()))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}
