package stripe

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestDispatch_ProductDeletedNeverStored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ev := newEvent("evt_1", KindProductDeleted, testEventTime, `{"id":"prod_1","object":"product","deleted":true}`)
	result, err := env.provider.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "delete", result.Action)

	_, err = env.storage.GetProduct(ctx, "prod_1")
	assert.ErrorIs(t, err, subsync.ErrProductNotFound)
}

func TestDispatch_ProductDeletedIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedProduct(t)
	env.seedProduct(t)

	created := newEvent("evt_p2", KindProductCreated, testEventTime, productJSON("prod_other", "Basic", true))
	_, err := env.provider.dispatcher.Dispatch(ctx, created)
	require.NoError(t, err)

	ev := newEvent("evt_del", KindProductDeleted, testEventTime, productJSON(testProductID, "Pro", false))
	_, err = env.provider.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)
	once, err := env.storage.ListProducts(ctx)
	require.NoError(t, err)

	_, err = env.provider.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)
	twice, err := env.storage.ListProducts(ctx)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	require.Len(t, twice, 1)
	assert.Equal(t, "prod_other", twice[0].ID)
}

func TestDispatch_ProductAndPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedProduct(t)

	product, err := env.storage.GetProduct(ctx, testProductID)
	require.NoError(t, err)
	assert.Equal(t, "Pro", product.Name)
	assert.Equal(t, "https://example.com/pro.png", product.Image)
	assert.Equal(t, "pro", product.Metadata["tier"])

	ev := newEvent("evt_price", KindPriceCreated, testEventTime, priceJSON(testPriceID, testProductID, 1500))
	_, err = env.provider.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)

	price, err := env.storage.GetPrice(ctx, testPriceID)
	require.NoError(t, err)
	assert.Equal(t, testProductID, price.ProductID)
	assert.Equal(t, int64(1500), price.UnitAmount)
	assert.Equal(t, subsync.PriceTypeRecurring, price.Type)
	assert.Equal(t, subsync.IntervalMonth, price.Interval)
	assert.Equal(t, int64(14), price.TrialPeriodDays)
	assert.True(t, testEventTime.Equal(price.UpdatedAt))

	del := newEvent("evt_price_del", KindPriceDeleted, testEventTime, priceJSON(testPriceID, testProductID, 1500))
	_, err = env.provider.dispatcher.Dispatch(ctx, del)
	require.NoError(t, err)
	_, err = env.storage.GetPrice(ctx, testPriceID)
	assert.ErrorIs(t, err, subsync.ErrPriceNotFound)
}

func TestDispatch_PriceForUnknownProductFails(t *testing.T) {
	env := newTestEnv(t)

	ev := newEvent("evt_price", KindPriceCreated, testEventTime, priceJSON(testPriceID, "prod_unknown", 1500))
	_, err := env.provider.dispatcher.Dispatch(context.Background(), ev)
	assert.ErrorIs(t, err, subsync.ErrProductNotFound)
	assert.Equal(t, billing.ClassSynchronizer, billing.Classify(err))
}

func TestDispatch_StaleEventIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	newer := newEvent("evt_2", KindProductUpdated, testEventTime.Add(time.Minute), productJSON(testProductID, "Pro v2", true))
	older := newEvent("evt_1", KindProductUpdated, testEventTime, productJSON(testProductID, "Pro v1", true))

	_, err := env.provider.dispatcher.Dispatch(ctx, newer)
	require.NoError(t, err)
	_, err = env.provider.dispatcher.Dispatch(ctx, older)
	require.NoError(t, err, "stale events are acknowledged")

	product, err := env.storage.GetProduct(ctx, testProductID)
	require.NoError(t, err)
	assert.Equal(t, "Pro v2", product.Name)
}

func TestDispatch_CustomerKeepsLocalMapping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)

	ev := newEvent("evt_cus", KindCustomerUpdated, testEventTime, customerJSON(testCustomerID, "new@example.com"))
	_, err := env.provider.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)

	cust, err := env.storage.GetCustomer(ctx, testCustomerID)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", cust.Email)
	assert.Equal(t, "Ada Lovelace", cust.Name)
	assert.Equal(t, testUserID, cust.UserID)

	del := newEvent("evt_cus_del", KindCustomerDeleted, testEventTime, customerJSON(testCustomerID, "new@example.com"))
	_, err = env.provider.dispatcher.Dispatch(ctx, del)
	require.NoError(t, err)
	_, err = env.storage.GetCustomer(ctx, testCustomerID)
	assert.ErrorIs(t, err, subsync.ErrCustomerNotFound)
}

func TestDispatch_CustomerCreatedAdoptsMetadataUserID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	obj := `{"id":"cus_meta","object":"customer","email":"x@example.com","metadata":{"user_id":"user_meta"}}`
	_, err := env.provider.dispatcher.Dispatch(ctx, newEvent("evt_c", KindCustomerCreated, testEventTime, obj))
	require.NoError(t, err)

	cust, err := env.storage.GetCustomerByUserID(ctx, "user_meta")
	require.NoError(t, err)
	assert.Equal(t, "cus_meta", cust.ID)
}

func TestDispatch_SubscriptionCreatedAndUpdatedConverge(t *testing.T) {
	ctx := context.Background()
	payload := subscriptionJSON(testSubID, testCustomerID, "active")

	run := func(kind EventKind) (*subsync.Subscription, *testEnv) {
		env := newTestEnv(t)
		env.seedCustomer(t)
		env.api.subscriptions[testSubID] = apiSubscription(stripe.SubscriptionStatusActive)

		_, err := env.provider.dispatcher.Dispatch(ctx, newEvent("evt_1", kind, testEventTime, payload))
		require.NoError(t, err)
		sub, err := env.storage.GetSubscription(ctx, testSubID)
		require.NoError(t, err)
		return sub, env
	}

	created, createdEnv := run(KindSubscriptionCreated)
	updated, updatedEnv := run(KindSubscriptionUpdated)

	assert.Equal(t, created, updated)
	assert.Equal(t, testUserID, created.UserID)
	assert.Equal(t, subsync.SubscriptionStatusActive, created.Status)
	assert.Equal(t, []string{testPriceID}, created.PriceIDs())
	assert.True(t, testEventTime.AddDate(0, 1, 0).Equal(created.CurrentPeriodEnd))

	// Only creation fires activation side effects
	assert.Equal(t, 1, createdEnv.activation.count())
	assert.Equal(t, 0, updatedEnv.activation.count())

	cust, err := createdEnv.storage.GetCustomer(ctx, testCustomerID)
	require.NoError(t, err)
	require.NotNil(t, cust.BillingDetails)
	assert.Equal(t, "pm_123", cust.BillingDetails.PaymentMethodID)
	assert.Equal(t, "London", cust.BillingDetails.Address.City)

	untouched, err := updatedEnv.storage.GetCustomer(ctx, testCustomerID)
	require.NoError(t, err)
	assert.Nil(t, untouched.BillingDetails)
}

func TestDispatch_SubscriptionCreatedRedeliveryActivatesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.api.subscriptions[testSubID] = apiSubscription(stripe.SubscriptionStatusTrialing)

	ev := newEvent("evt_1", KindSubscriptionCreated, testEventTime, subscriptionJSON(testSubID, testCustomerID, "trialing"))
	for i := 0; i < 3; i++ {
		_, err := env.provider.dispatcher.Dispatch(ctx, ev)
		require.NoError(t, err)
	}

	require.Equal(t, 1, env.activation.count())
	event := env.activation.events[0]
	assert.Equal(t, testUserID, event.UserID)
	assert.Equal(t, testSubID, event.SubscriptionID)
	assert.Equal(t, subsync.SubscriptionStatusTrialing, event.Status)
	assert.Equal(t, string(KindSubscriptionCreated), event.EventType)
	assert.Equal(t, []string{testPriceID}, event.PriceIDs)
}

func TestDispatch_ActivationFailureLeavesSubscriptionUnstored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.api.subscriptions[testSubID] = apiSubscription(stripe.SubscriptionStatusActive)
	env.activation.err = errors.New("mailer down")

	ev := newEvent("evt_1", KindSubscriptionCreated, testEventTime, subscriptionJSON(testSubID, testCustomerID, "active"))
	_, err := env.provider.dispatcher.Dispatch(ctx, ev)
	require.Error(t, err)

	_, err = env.storage.GetSubscription(ctx, testSubID)
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	// Redelivery retries the side effects
	env.activation.err = nil
	_, err = env.provider.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 2, env.activation.count())
}

func TestDispatch_SubscriptionForUnknownCustomerFails(t *testing.T) {
	env := newTestEnv(t)

	ev := newEvent("evt_1", KindSubscriptionUpdated, testEventTime, subscriptionJSON(testSubID, "cus_unknown", "active"))
	_, err := env.provider.dispatcher.Dispatch(context.Background(), ev)
	assert.ErrorIs(t, err, subsync.ErrCustomerNotFound)
}

func TestDispatch_SubscriptionDeletedForcesCanceled(t *testing.T) {
	for _, prior := range []string{"active", "trialing", "past_due", "paused", "unpaid"} {
		t.Run(prior, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.seedCustomer(t)

			upd := newEvent("evt_1", KindSubscriptionUpdated, testEventTime, subscriptionJSON(testSubID, testCustomerID, prior))
			_, err := env.provider.dispatcher.Dispatch(ctx, upd)
			require.NoError(t, err)

			del := newEvent("evt_2", KindSubscriptionDeleted, testEventTime.Add(time.Second),
				`{"id":"sub_123","object":"subscription","customer":"cus_123","status":"`+prior+`"}`)
			result, err := env.provider.dispatcher.Dispatch(ctx, del)
			require.NoError(t, err)
			assert.Equal(t, "cancel", result.Action)

			sub, err := env.storage.GetSubscription(ctx, testSubID)
			require.NoError(t, err)
			assert.Equal(t, subsync.SubscriptionStatusCanceled, sub.Status)
			assert.Equal(t, testUserID, sub.UserID)
			assert.NotNil(t, sub.EndedAt)
			assert.Equal(t, []string{testPriceID}, sub.PriceIDs())
		})
	}
}

func TestDispatch_SubscriptionDeletedNeverStored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	del := newEvent("evt_2", KindSubscriptionDeleted, testEventTime, subscriptionJSON("sub_ghost", testCustomerID, "canceled"))
	_, err := env.provider.dispatcher.Dispatch(ctx, del)
	require.NoError(t, err)

	_, err = env.storage.GetSubscription(ctx, "sub_ghost")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
}

func TestDispatch_CheckoutPaymentModeIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ev := newEvent("evt_cs", KindCheckoutSessionCompleted, testEventTime, checkoutJSON("payment", ""))
	result, err := env.provider.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, actionNoop, result.Action)
	assert.Equal(t, 0, env.api.retrieveCalls)

	subs, err := env.storage.ListSubscriptionsByUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestDispatch_CheckoutSubscriptionModeWithoutReferenceIsNoop(t *testing.T) {
	env := newTestEnv(t)

	ev := newEvent("evt_cs", KindCheckoutSessionCompleted, testEventTime, checkoutJSON("subscription", ""))
	result, err := env.provider.dispatcher.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, actionNoop, result.Action)
	assert.Equal(t, 0, env.api.retrieveCalls)
}

func TestDispatch_CheckoutSubscriptionModeActivates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.api.subscriptions[testSubID] = apiSubscription(stripe.SubscriptionStatusActive)

	ev := newEvent("evt_cs", KindCheckoutSessionCompleted, testEventTime, checkoutJSON("subscription", testSubID))
	result, err := env.provider.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "upsert", result.Action)
	assert.Equal(t, 1, env.api.retrieveCalls)

	sub, err := subsync.ActiveSubscription(ctx, env.storage, testUserID)
	require.NoError(t, err)
	assert.Equal(t, testSubID, sub.ID)

	require.Equal(t, 1, env.activation.count())
	assert.Equal(t, string(KindCheckoutSessionCompleted), env.activation.events[0].EventType)

	// The subscription.created event that follows does not activate again
	created := newEvent("evt_sc", KindSubscriptionCreated, testEventTime, subscriptionJSON(testSubID, testCustomerID, "active"))
	_, err = env.provider.dispatcher.Dispatch(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, 1, env.activation.count())
}

func TestDispatch_CheckoutWithoutAPIIsConfigurationError(t *testing.T) {
	env := newTestEnv(t)
	d := NewDispatcher(env.provider.sync, nil)

	ev := newEvent("evt_cs", KindCheckoutSessionCompleted, testEventTime, checkoutJSON("subscription", testSubID))
	_, err := d.Dispatch(context.Background(), ev)
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
	assert.Equal(t, billing.ClassConfiguration, billing.Classify(err))
}

func TestDispatch_PaymentIntentStatusFollowsEvent(t *testing.T) {
	tests := []struct {
		kind EventKind
		want subsync.PaymentIntentStatus
	}{
		{KindPaymentIntentCreated, subsync.PaymentIntentStatusCreated},
		{KindPaymentIntentProcessing, subsync.PaymentIntentStatusProcessing},
		{KindPaymentIntentRequiresAction, subsync.PaymentIntentStatusRequiresAction},
		{KindPaymentIntentSucceeded, subsync.PaymentIntentStatusSucceeded},
		{KindPaymentIntentPaymentFailed, subsync.PaymentIntentStatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			_, err := env.provider.dispatcher.Dispatch(ctx, newEvent("evt_pi", tt.kind, testEventTime, paymentIntentJSON("pi_1", testCustomerID)))
			require.NoError(t, err)

			pi, err := env.storage.GetPaymentIntent(ctx, "pi_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, pi.Status)
			assert.Equal(t, int64(2000), pi.Amount)
			assert.Equal(t, testCustomerID, pi.CustomerID)
		})
	}
}

func TestDispatch_CustomerMetadataForMappedUserIsDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)

	payload := fmt.Sprintf(`{"id":"cus_dup","object":"customer","email":"ada@example.com","metadata":{"user_id":%q}}`, testUserID)
	_, err := env.provider.dispatcher.Dispatch(ctx, newEvent("evt_dup", KindCustomerCreated, testEventTime, payload))
	require.NoError(t, err)

	dup, err := env.storage.GetCustomer(ctx, "cus_dup")
	require.NoError(t, err)
	assert.Empty(t, dup.UserID)

	mapped, err := env.storage.GetCustomerByUserID(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, testCustomerID, mapped.ID)
}

func TestDispatch_SubscriptionCreatedAfterUpdateInSameSecond(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)

	updated := newEvent("evt_2", KindSubscriptionUpdated, testEventTime, subscriptionJSON(testSubID, testCustomerID, "active"))
	created := newEvent("evt_1", KindSubscriptionCreated, testEventTime, subscriptionJSON(testSubID, testCustomerID, "incomplete"))

	_, err := env.provider.dispatcher.Dispatch(ctx, updated)
	require.NoError(t, err)
	_, err = env.provider.dispatcher.Dispatch(ctx, created)
	require.NoError(t, err)

	sub, err := env.storage.GetSubscription(ctx, testSubID)
	require.NoError(t, err)
	assert.Equal(t, subsync.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 0, env.activation.count())

	// An update in the same second still applies
	pastDue := newEvent("evt_3", KindSubscriptionUpdated, testEventTime, subscriptionJSON(testSubID, testCustomerID, "past_due"))
	_, err = env.provider.dispatcher.Dispatch(ctx, pastDue)
	require.NoError(t, err)

	sub, err = env.storage.GetSubscription(ctx, testSubID)
	require.NoError(t, err)
	assert.Equal(t, subsync.SubscriptionStatusPastDue, sub.Status)
}

func TestDispatch_PaymentIntentNeverMovesBackward(t *testing.T) {
	tests := []struct {
		name  string
		first EventKind
		then  EventKind
		delay time.Duration
		want  subsync.PaymentIntentStatus
	}{
		{"created after succeeded", KindPaymentIntentSucceeded, KindPaymentIntentCreated, 0, subsync.PaymentIntentStatusSucceeded},
		{"processing after succeeded", KindPaymentIntentSucceeded, KindPaymentIntentProcessing, 0, subsync.PaymentIntentStatusSucceeded},
		{"later failure after succeeded", KindPaymentIntentSucceeded, KindPaymentIntentPaymentFailed, time.Minute, subsync.PaymentIntentStatusSucceeded},
		{"created after processing", KindPaymentIntentProcessing, KindPaymentIntentCreated, 0, subsync.PaymentIntentStatusProcessing},
		{"processing after failure", KindPaymentIntentPaymentFailed, KindPaymentIntentProcessing, 0, subsync.PaymentIntentStatusFailed},
		{"retry after failure", KindPaymentIntentPaymentFailed, KindPaymentIntentProcessing, time.Minute, subsync.PaymentIntentStatusProcessing},
		{"succeeded after processing", KindPaymentIntentProcessing, KindPaymentIntentSucceeded, 0, subsync.PaymentIntentStatusSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			first := newEvent("evt_1", tt.first, testEventTime, paymentIntentJSON("pi_1", testCustomerID))
			then := newEvent("evt_2", tt.then, testEventTime.Add(tt.delay), paymentIntentJSON("pi_1", testCustomerID))
			_, err := env.provider.dispatcher.Dispatch(ctx, first)
			require.NoError(t, err)
			_, err = env.provider.dispatcher.Dispatch(ctx, then)
			require.NoError(t, err)

			pi, err := env.storage.GetPaymentIntent(ctx, "pi_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, pi.Status)
		})
	}
}

func TestDispatch_UnsupportedType(t *testing.T) {
	env := newTestEnv(t)

	ev := &stripe.Event{ID: "evt_x", Type: "invoice.paid", Data: &stripe.EventData{Raw: []byte(`{}`)}}
	_, err := env.provider.dispatcher.Dispatch(context.Background(), ev)
	assert.ErrorIs(t, err, billing.ErrUnsupportedEventType)
	assert.Equal(t, billing.ClassUnsupported, billing.Classify(err))
}

func TestDispatch_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)

	ev := newEvent("evt_bad", KindProductCreated, testEventTime, `["not","an","object"]`)
	_, err := env.provider.dispatcher.Dispatch(context.Background(), ev)
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)

	missing := &stripe.Event{ID: "evt_nodata", Type: stripe.EventType(KindPriceCreated)}
	_, err = env.provider.dispatcher.Dispatch(context.Background(), missing)
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)
}

// Every relevant kind must reach a dispatch case.
func TestDispatch_EveryKindIsHandled(t *testing.T) {
	payloads := map[string]string{
		"product":        productJSON(testProductID, "Pro", true),
		"price":          priceJSON(testPriceID, testProductID, 1500),
		"customer":       customerJSON(testCustomerID, "ada@example.com"),
		"subscription":   subscriptionJSON(testSubID, testCustomerID, "active"),
		"payment_intent": paymentIntentJSON("pi_1", testCustomerID),
	}

	for _, kind := range AllEventKinds() {
		t.Run(string(kind), func(t *testing.T) {
			env := newTestEnv(t)
			env.seedCustomer(t)
			env.seedProduct(t)
			env.api.subscriptions[testSubID] = apiSubscription(stripe.SubscriptionStatusActive)

			payload := payloads[kind.Entity()]
			if kind == KindCheckoutSessionCompleted {
				payload = checkoutJSON("subscription", testSubID)
			}

			result, err := env.provider.dispatcher.Dispatch(context.Background(), newEvent("evt_all", kind, testEventTime, payload))
			assert.NotErrorIs(t, err, billing.ErrUnhandledEventType)
			assert.NoError(t, err)
			assert.Equal(t, kind, result.Kind)
			assert.NotEmpty(t, result.Action)
		})
	}
}
