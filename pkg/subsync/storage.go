package subsync

import (
	"context"
	"time"
)

// Storage defines the interface for catalog and subscription persistence.
//
// Upserts are conditional last-write-wins replaces keyed by id: a record is
// written only when the stored copy's UpdatedAt is not after the incoming
// one, otherwise ErrStaleWrite is returned. The comparison must be atomic
// with the write. Deletes of absent ids succeed.
type Storage interface {
	// GetProduct returns ErrProductNotFound when absent
	GetProduct(ctx context.Context, id string) (*Product, error)
	UpsertProduct(ctx context.Context, product *Product) error
	// DeleteProduct also removes the product's prices
	DeleteProduct(ctx context.Context, id string) error
	ListProducts(ctx context.Context) ([]*Product, error)

	// GetPrice returns ErrPriceNotFound when absent
	GetPrice(ctx context.Context, id string) (*Price, error)
	// UpsertPrice returns ErrProductNotFound when the owning product is not stored
	UpsertPrice(ctx context.Context, price *Price) error
	DeletePrice(ctx context.Context, id string) error
	ListPrices(ctx context.Context) ([]*Price, error)

	// GetCustomer returns ErrCustomerNotFound when absent
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	// GetCustomerByUserID returns ErrCustomerNotFound when the user has no customer
	GetCustomerByUserID(ctx context.Context, userID string) (*Customer, error)
	// UpsertCustomer returns ErrUserAlreadyMapped when a different customer
	// already holds customer.UserID
	UpsertCustomer(ctx context.Context, customer *Customer) error
	// DeleteCustomer also removes the customer's subscriptions
	DeleteCustomer(ctx context.Context, id string) error

	// GetSubscription returns ErrSubscriptionNotFound when absent
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	// UpsertSubscription returns ErrCustomerNotFound when the owning customer is not stored
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]*Subscription, error)

	// GetPaymentIntent returns ErrPaymentIntentNotFound when absent
	GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	UpsertPaymentIntent(ctx context.Context, pi *PaymentIntent) error
}

// IsStale reports whether an incoming write stamped at incoming must be
// rejected because the stored record was stamped at stored.
func IsStale(stored, incoming time.Time) bool {
	return stored.After(incoming)
}

// ActiveSubscription returns the user's entitled subscription (active or
// trialing) with the latest period end, or ErrSubscriptionNotFound.
func ActiveSubscription(ctx context.Context, storage Storage, userID string) (*Subscription, error) {
	subs, err := storage.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var best *Subscription
	for _, sub := range subs {
		if !sub.Status.IsEntitled() {
			continue
		}
		if best == nil || sub.CurrentPeriodEnd.After(best.CurrentPeriodEnd) {
			best = sub
		}
	}
	if best == nil {
		return nil, ErrSubscriptionNotFound
	}
	return best, nil
}
