package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// ActivationEvent describes a subscription seen locally for the first time.
// It is passed to the ActivationHook before the subscription is stored.
type ActivationEvent struct {
	// UserID is the local user owning the subscription (empty if the customer is unmapped)
	UserID string

	CustomerID     string
	SubscriptionID string
	Status         subsync.SubscriptionStatus
	PriceIDs       []string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider event that triggered activation,
	// e.g. "customer.subscription.created" or "checkout.session.completed"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Metadata is the subscription metadata
	Metadata map[string]string
}

// ActivationHook performs first-activation provisioning (welcome mail, seat setup).
// Delivery is at-least-once: the hook may run again if storing the
// subscription fails afterwards.
type ActivationHook func(ctx context.Context, event ActivationEvent) error
