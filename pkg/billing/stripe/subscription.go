package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UpsertSubscription replaces the stored subscription with s.
//
// The owning customer is resolved from storage by the payload's customer id;
// an unknown customer fails with subsync.ErrCustomerNotFound. When isNew is
// set and the subscription is not stored yet, first-activation side effects
// run before the write, so a failed write repeats them on redelivery. A
// creation never replaces a record stamped in the same second or later:
// Stripe emits created and updated within one second, and either may arrive
// first.
func (s *Synchronizer) UpsertSubscription(
	ctx context.Context, sub *stripe.Subscription, isNew bool, eventType string, at time.Time,
) error {
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("%w: subscription %s has no customer", billing.ErrInvalidPayload, sub.ID)
	}
	customer, err := s.storage.GetCustomer(ctx, sub.Customer.ID)
	if err != nil {
		s.metrics.RecordSync(providerName, "subscription", "upsert", syncError)
		return fmt.Errorf("subscription %s: %w", sub.ID, err)
	}

	existing, err := s.storage.GetSubscription(ctx, sub.ID)
	if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return fmt.Errorf("load subscription %s: %w", sub.ID, err)
	}

	if isNew && existing != nil && !existing.UpdatedAt.Before(at) {
		s.skip("subscription", sub.ID)
		return nil
	}

	record := toSubscription(sub, customer.UserID, at)

	if isNew && existing == nil {
		if err := s.activate(ctx, sub, customer, record, eventType); err != nil {
			s.metrics.RecordSync(providerName, "subscription", "upsert", syncError)
			return fmt.Errorf("activate subscription %s: %w", sub.ID, err)
		}
	}

	applied, err := s.apply("subscription", sub.ID, record, func() error {
		return s.storage.UpsertSubscription(ctx, record)
	})
	if err != nil {
		return err
	}
	if applied {
		s.recordTransition(existing, record)
	}
	return nil
}

// CancelSubscription stores the final state of a deleted subscription with
// its status forced to canceled. A subscription that was never stored is left absent.
func (s *Synchronizer) CancelSubscription(ctx context.Context, sub *stripe.Subscription, at time.Time) error {
	existing, err := s.storage.GetSubscription(ctx, sub.ID)
	if errors.Is(err, subsync.ErrSubscriptionNotFound) {
		s.metrics.RecordSync(providerName, "subscription", "cancel", syncSuccess)
		return nil
	}
	if err != nil {
		s.metrics.RecordSync(providerName, "subscription", "cancel", syncError)
		return fmt.Errorf("load subscription %s: %w", sub.ID, err)
	}

	record := toSubscription(sub, existing.UserID, at)
	record.Status = subsync.SubscriptionStatusCanceled
	if record.CustomerID == "" {
		record.CustomerID = existing.CustomerID
	}
	if len(record.Items) == 0 {
		record.Items = existing.Items
	}
	if record.EndedAt == nil {
		record.EndedAt = &at
	}

	applied, err := s.apply("subscription", sub.ID, record, func() error {
		return s.storage.UpsertSubscription(ctx, record)
	})
	if err != nil {
		return err
	}
	if applied {
		s.recordTransition(existing, record)
	}
	return nil
}

// activate copies the default payment method's billing details onto the
// customer and runs the activation hook.
func (s *Synchronizer) activate(
	ctx context.Context, sub *stripe.Subscription, customer *subsync.Customer,
	record *subsync.Subscription, eventType string,
) error {
	pm := sub.DefaultPaymentMethod
	if pm != nil && pm.BillingDetails == nil && s.api != nil {
		// Webhook payloads carry the payment method id only
		full, err := s.api.RetrieveSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		pm = full.DefaultPaymentMethod
	}

	if details := billingDetailsFrom(pm); details != nil {
		updated := *customer
		updated.BillingDetails = details
		if err := s.write("customer", customer.ID, &updated, func() error {
			return s.storage.UpsertCustomer(ctx, &updated)
		}); err != nil {
			return err
		}
	}

	s.logger.Info("subscription activated",
		subsync.Field{Key: "subscription_id", Value: record.ID},
		subsync.Field{Key: "customer_id", Value: record.CustomerID},
		subsync.Field{Key: "user_id", Value: record.UserID},
		subsync.Field{Key: "status", Value: string(record.Status)},
	)

	if s.onActivation == nil {
		return nil
	}
	return s.onActivation(ctx, billing.ActivationEvent{
		UserID:         record.UserID,
		CustomerID:     record.CustomerID,
		SubscriptionID: record.ID,
		Status:         record.Status,
		PriceIDs:       record.PriceIDs(),
		Provider:       providerName,
		EventType:      eventType,
		EventTimestamp: record.UpdatedAt,
		Metadata:       record.Metadata,
	})
}

func (s *Synchronizer) recordTransition(existing, record *subsync.Subscription) {
	from := ""
	if existing != nil {
		if existing.Status == record.Status {
			return
		}
		from = string(existing.Status)
	}
	s.metrics.RecordStatusChange(providerName, from, string(record.Status))
	s.logger.Info("subscription status changed",
		subsync.Field{Key: "subscription_id", Value: record.ID},
		subsync.Field{Key: "from", Value: from},
		subsync.Field{Key: "to", Value: string(record.Status)},
	)
}
