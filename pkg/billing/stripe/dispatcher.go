package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// DispatchResult describes what Dispatch did with an event.
type DispatchResult struct {
	Kind EventKind
	// Action is the synchronizer operation applied, or "noop" when the
	// event needed no store mutation.
	Action string
}

const actionNoop = "noop"

// Dispatcher routes a verified event to exactly one synchronizer call.
type Dispatcher struct {
	sync *Synchronizer
	api  API
}

// NewDispatcher returns a Dispatcher. api is used only for
// checkout.session.completed, whose payload references the subscription by id.
func NewDispatcher(sync *Synchronizer, api API) *Dispatcher {
	return &Dispatcher{sync: sync, api: api}
}

// Dispatch applies event to storage. Types outside the allow-list return
// billing.ErrUnsupportedEventType. Synchronizer errors are returned wrapped
// and never retried here; the provider redelivers the event.
//
//nolint:gocyclo // one case per event kind
func (d *Dispatcher) Dispatch(ctx context.Context, event *stripe.Event) (DispatchResult, error) {
	kind, ok := Classify(string(event.Type))
	if !ok {
		return DispatchResult{}, fmt.Errorf("%w: %s", billing.ErrUnsupportedEventType, event.Type)
	}
	result := DispatchResult{Kind: kind}
	at := eventTime(event)

	var err error
	switch kind {
	case KindProductCreated, KindProductUpdated:
		var p stripe.Product
		if err = decode(event, &p); err == nil {
			result.Action = "upsert"
			err = d.sync.UpsertProduct(ctx, &p, at)
		}

	case KindProductDeleted:
		var p stripe.Product
		if err = decode(event, &p); err == nil {
			result.Action = "delete"
			err = d.sync.DeleteProduct(ctx, p.ID)
		}

	case KindPriceCreated, KindPriceUpdated:
		var p stripe.Price
		if err = decode(event, &p); err == nil {
			result.Action = "upsert"
			err = d.sync.UpsertPrice(ctx, &p, at)
		}

	case KindPriceDeleted:
		var p stripe.Price
		if err = decode(event, &p); err == nil {
			result.Action = "delete"
			err = d.sync.DeletePrice(ctx, p.ID)
		}

	case KindCustomerCreated, KindCustomerUpdated:
		var c stripe.Customer
		if err = decode(event, &c); err == nil {
			result.Action = "upsert"
			err = d.sync.UpsertCustomer(ctx, &c, at)
		}

	case KindCustomerDeleted:
		var c stripe.Customer
		if err = decode(event, &c); err == nil {
			result.Action = "delete"
			err = d.sync.DeleteCustomer(ctx, c.ID)
		}

	case KindSubscriptionCreated, KindSubscriptionUpdated,
		KindSubscriptionPaused, KindSubscriptionResumed,
		KindSubscriptionPendingUpdateApplied, KindSubscriptionPendingUpdateExpired:
		var s stripe.Subscription
		if err = decode(event, &s); err == nil {
			result.Action = "upsert"
			err = d.sync.UpsertSubscription(ctx, &s, kind == KindSubscriptionCreated, string(kind), at)
		}

	case KindSubscriptionDeleted:
		var s stripe.Subscription
		if err = decode(event, &s); err == nil {
			result.Action = "cancel"
			err = d.sync.CancelSubscription(ctx, &s, at)
		}

	case KindCheckoutSessionCompleted:
		result.Action, err = d.checkoutCompleted(ctx, event, at)

	case KindPaymentIntentCreated, KindPaymentIntentSucceeded, KindPaymentIntentProcessing,
		KindPaymentIntentRequiresAction, KindPaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err = decode(event, &pi); err == nil {
			result.Action = "upsert"
			err = d.sync.UpsertPaymentIntent(ctx, &pi, paymentIntentStatus(kind), at)
		}

	default:
		return result, fmt.Errorf("%w: %s", billing.ErrUnhandledEventType, kind)
	}

	if err != nil {
		return result, fmt.Errorf("%s %s: %w", kind, event.ID, err)
	}
	return result, nil
}

// checkoutCompleted reconciles the subscription created by a subscription-mode
// checkout. Other sessions need no store mutation.
func (d *Dispatcher) checkoutCompleted(ctx context.Context, event *stripe.Event, at time.Time) (string, error) {
	var session stripe.CheckoutSession
	if err := decode(event, &session); err != nil {
		return "", err
	}
	if session.Mode != stripe.CheckoutSessionModeSubscription || session.Subscription == nil || session.Subscription.ID == "" {
		return actionNoop, nil
	}
	if d.api == nil {
		return "", fmt.Errorf("%w: stripe API key required to retrieve subscription %s",
			billing.ErrProviderNotConfigured, session.Subscription.ID)
	}

	sub, err := d.api.RetrieveSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return "", err
	}
	return "upsert", d.sync.UpsertSubscription(ctx, sub, true, string(KindCheckoutSessionCompleted), at)
}
