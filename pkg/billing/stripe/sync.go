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

const (
	syncSuccess = "success"
	syncStale   = "stale"
	syncError   = "error"
)

// Synchronizer applies provider records to storage. Every write is an
// idempotent full replace guarded by the record's UpdatedAt; deletes of
// absent ids succeed.
type Synchronizer struct {
	storage      subsync.Storage
	api          API
	onActivation billing.ActivationHook
	metrics      billing.Metrics
	logger       subsync.Logger
}

// NewSynchronizer builds a Synchronizer. api may be nil; activation then
// skips fetching unexpanded payment methods.
func NewSynchronizer(
	storage subsync.Storage, api API, onActivation billing.ActivationHook,
	metrics billing.Metrics, logger subsync.Logger,
) *Synchronizer {
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	return &Synchronizer{
		storage:      storage,
		api:          api,
		onActivation: onActivation,
		metrics:      metrics,
		logger:       logger,
	}
}

// write validates record and runs fn, folding ErrStaleWrite into success.
func (s *Synchronizer) write(entity, id string, record interface{}, fn func() error) error {
	_, err := s.apply(entity, id, record, fn)
	return err
}

// apply is write that also reports whether the record was stored.
func (s *Synchronizer) apply(entity, id string, record interface{}, fn func() error) (bool, error) {
	if err := subsync.Validate(record); err != nil {
		s.metrics.RecordSync(providerName, entity, "upsert", syncError)
		return false, fmt.Errorf("%s %s: %w", entity, id, err)
	}
	err := fn()
	switch {
	case errors.Is(err, subsync.ErrStaleWrite):
		s.skip(entity, id)
		return false, nil
	case err != nil:
		s.metrics.RecordSync(providerName, entity, "upsert", syncError)
		return false, fmt.Errorf("upsert %s %s: %w", entity, id, err)
	}
	s.metrics.RecordSync(providerName, entity, "upsert", syncSuccess)
	return true, nil
}

// skip records a write that lost to the stored record.
func (s *Synchronizer) skip(entity, id string) {
	s.metrics.RecordSync(providerName, entity, "upsert", syncStale)
	s.logger.Debug("stale write ignored",
		subsync.Field{Key: "entity", Value: entity},
		subsync.Field{Key: "id", Value: id},
	)
}

func (s *Synchronizer) remove(entity, id string, fn func() error) error {
	if err := fn(); err != nil {
		s.metrics.RecordSync(providerName, entity, "delete", syncError)
		return fmt.Errorf("delete %s %s: %w", entity, id, err)
	}
	s.metrics.RecordSync(providerName, entity, "delete", syncSuccess)
	return nil
}

// UpsertProduct replaces the stored product.
func (s *Synchronizer) UpsertProduct(ctx context.Context, p *stripe.Product, at time.Time) error {
	record := toProduct(p, at)
	return s.write("product", p.ID, record, func() error {
		return s.storage.UpsertProduct(ctx, record)
	})
}

// DeleteProduct removes the product and its prices.
func (s *Synchronizer) DeleteProduct(ctx context.Context, id string) error {
	return s.remove("product", id, func() error {
		return s.storage.DeleteProduct(ctx, id)
	})
}

// UpsertPrice replaces the stored price. The owning product must already be
// stored; otherwise subsync.ErrProductNotFound is returned and the event is
// left to redelivery.
func (s *Synchronizer) UpsertPrice(ctx context.Context, p *stripe.Price, at time.Time) error {
	record := toPrice(p, at)
	return s.write("price", p.ID, record, func() error {
		return s.storage.UpsertPrice(ctx, record)
	})
}

func (s *Synchronizer) DeletePrice(ctx context.Context, id string) error {
	return s.remove("price", id, func() error {
		return s.storage.DeletePrice(ctx, id)
	})
}

// UpsertCustomer replaces the provider-sourced customer fields, keeping the
// local user mapping and billing details. A user id adopted from metadata is
// dropped when that user is already mapped to another customer.
func (s *Synchronizer) UpsertCustomer(ctx context.Context, c *stripe.Customer, at time.Time) error {
	stored, err := s.storage.GetCustomer(ctx, c.ID)
	if err != nil && !errors.Is(err, subsync.ErrCustomerNotFound) {
		return fmt.Errorf("load customer %s: %w", c.ID, err)
	}
	record := toCustomer(c, stored, at)
	upsert := func() error {
		return s.storage.UpsertCustomer(ctx, record)
	}

	err = s.write("customer", c.ID, record, upsert)
	if errors.Is(err, subsync.ErrUserAlreadyMapped) && (stored == nil || stored.UserID == "") {
		s.logger.Warn("customer metadata names a mapped user, storing customer unmapped",
			subsync.Field{Key: "customer_id", Value: c.ID},
			subsync.Field{Key: "user_id", Value: record.UserID},
		)
		record.UserID = ""
		return s.write("customer", c.ID, record, upsert)
	}
	return err
}

// DeleteCustomer removes the customer and its subscriptions.
func (s *Synchronizer) DeleteCustomer(ctx context.Context, id string) error {
	return s.remove("customer", id, func() error {
		return s.storage.DeleteCustomer(ctx, id)
	})
}

// UpsertPaymentIntent records a payment attempt with the status reported by
// the event. A succeeded intent is final. Within one event second the status
// only moves forward (see paymentIntentRank).
func (s *Synchronizer) UpsertPaymentIntent(
	ctx context.Context, pi *stripe.PaymentIntent, status subsync.PaymentIntentStatus, at time.Time,
) error {
	stored, err := s.storage.GetPaymentIntent(ctx, pi.ID)
	if err != nil && !errors.Is(err, subsync.ErrPaymentIntentNotFound) {
		return fmt.Errorf("load payment intent %s: %w", pi.ID, err)
	}
	if stored != nil && !paymentIntentAdvances(stored, status, at) {
		s.skip("payment_intent", pi.ID)
		return nil
	}

	record := toPaymentIntent(pi, status, at)
	return s.write("payment_intent", pi.ID, record, func() error {
		return s.storage.UpsertPaymentIntent(ctx, record)
	})
}

// paymentIntentRank orders statuses along the payment flow. A retry after a
// failure starts over at requires_action or processing, but never in the
// same second as the failure event.
func paymentIntentRank(status subsync.PaymentIntentStatus) int {
	switch status {
	case subsync.PaymentIntentStatusRequiresAction:
		return 1
	case subsync.PaymentIntentStatusProcessing:
		return 2
	case subsync.PaymentIntentStatusFailed:
		return 3
	case subsync.PaymentIntentStatusSucceeded:
		return 4
	default:
		return 0
	}
}

func paymentIntentAdvances(stored *subsync.PaymentIntent, status subsync.PaymentIntentStatus, at time.Time) bool {
	if stored.Status == subsync.PaymentIntentStatusSucceeded && status != subsync.PaymentIntentStatusSucceeded {
		return false
	}
	if stored.UpdatedAt.Equal(at) {
		return paymentIntentRank(status) >= paymentIntentRank(stored.Status)
	}
	return true
}
