package stripe

// EventKind is a Stripe event type this package reconciles into storage.
// The set is closed; Dispatch switches over it exhaustively.
type EventKind string

const (
	KindProductCreated EventKind = "product.created"
	KindProductUpdated EventKind = "product.updated"
	KindProductDeleted EventKind = "product.deleted"

	KindPriceCreated EventKind = "price.created"
	KindPriceUpdated EventKind = "price.updated"
	KindPriceDeleted EventKind = "price.deleted"

	KindCustomerCreated EventKind = "customer.created"
	KindCustomerUpdated EventKind = "customer.updated"
	KindCustomerDeleted EventKind = "customer.deleted"

	KindSubscriptionCreated              EventKind = "customer.subscription.created"
	KindSubscriptionUpdated              EventKind = "customer.subscription.updated"
	KindSubscriptionDeleted              EventKind = "customer.subscription.deleted"
	KindSubscriptionPaused               EventKind = "customer.subscription.paused"
	KindSubscriptionResumed              EventKind = "customer.subscription.resumed"
	KindSubscriptionPendingUpdateApplied EventKind = "customer.subscription.pending_update_applied"
	KindSubscriptionPendingUpdateExpired EventKind = "customer.subscription.pending_update_expired"

	KindCheckoutSessionCompleted EventKind = "checkout.session.completed"

	KindPaymentIntentCreated        EventKind = "payment_intent.created"
	KindPaymentIntentSucceeded      EventKind = "payment_intent.succeeded"
	KindPaymentIntentProcessing     EventKind = "payment_intent.processing"
	KindPaymentIntentRequiresAction EventKind = "payment_intent.requires_action"
	KindPaymentIntentPaymentFailed  EventKind = "payment_intent.payment_failed"
)

var allEventKinds = []EventKind{
	KindProductCreated, KindProductUpdated, KindProductDeleted,
	KindPriceCreated, KindPriceUpdated, KindPriceDeleted,
	KindCustomerCreated, KindCustomerUpdated, KindCustomerDeleted,
	KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionDeleted,
	KindSubscriptionPaused, KindSubscriptionResumed,
	KindSubscriptionPendingUpdateApplied, KindSubscriptionPendingUpdateExpired,
	KindCheckoutSessionCompleted,
	KindPaymentIntentCreated, KindPaymentIntentSucceeded, KindPaymentIntentProcessing,
	KindPaymentIntentRequiresAction, KindPaymentIntentPaymentFailed,
}

var relevantEvents = func() map[string]EventKind {
	m := make(map[string]EventKind, len(allEventKinds))
	for _, k := range allEventKinds {
		m[string(k)] = k
	}
	return m
}()

// AllEventKinds returns the processing allow-list.
func AllEventKinds() []EventKind {
	out := make([]EventKind, len(allEventKinds))
	copy(out, allEventKinds)
	return out
}

// Classify resolves a raw Stripe event type to its EventKind.
// The second result is false for types outside the allow-list.
func Classify(eventType string) (EventKind, bool) {
	k, ok := relevantEvents[eventType]
	return k, ok
}

// IsRelevant reports whether eventType is reconciled into storage.
func IsRelevant(eventType string) bool {
	_, ok := relevantEvents[eventType]
	return ok
}

// Entity returns the record type the kind synchronizes.
func (k EventKind) Entity() string {
	switch k {
	case KindProductCreated, KindProductUpdated, KindProductDeleted:
		return "product"
	case KindPriceCreated, KindPriceUpdated, KindPriceDeleted:
		return "price"
	case KindCustomerCreated, KindCustomerUpdated, KindCustomerDeleted:
		return "customer"
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionDeleted,
		KindSubscriptionPaused, KindSubscriptionResumed,
		KindSubscriptionPendingUpdateApplied, KindSubscriptionPendingUpdateExpired,
		KindCheckoutSessionCompleted:
		return "subscription"
	case KindPaymentIntentCreated, KindPaymentIntentSucceeded, KindPaymentIntentProcessing,
		KindPaymentIntentRequiresAction, KindPaymentIntentPaymentFailed:
		return "payment_intent"
	}
	return "unknown"
}
