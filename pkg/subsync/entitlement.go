package subsync

import (
	"context"
	"errors"
	"fmt"
)

// DefaultEntitledStatuses are the statuses that grant access when a
// Requirement does not name its own.
var DefaultEntitledStatuses = []SubscriptionStatus{SubscriptionStatusActive, SubscriptionStatusTrialing}

// Requirement describes which subscriptions grant access to a gated route.
type Requirement struct {
	// Statuses that count as entitled. Default: DefaultEntitledStatuses
	Statuses []SubscriptionStatus

	// ProductIDs optionally restricts access to subscriptions holding a price
	// of one of these products. Empty means any product.
	ProductIDs []string
}

// Find returns the user's first subscription meeting r, or
// ErrSubscriptionNotFound. Prices that are no longer stored never match a
// product restriction.
func (r Requirement) Find(ctx context.Context, storage Storage, userID string) (*Subscription, error) {
	subs, err := storage.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	statuses := r.Statuses
	if len(statuses) == 0 {
		statuses = DefaultEntitledStatuses
	}

	for _, sub := range subs {
		if !containsStatus(statuses, sub.Status) {
			continue
		}
		if len(r.ProductIDs) == 0 {
			return sub, nil
		}
		ok, err := r.holdsProduct(ctx, storage, sub)
		if err != nil {
			return nil, err
		}
		if ok {
			return sub, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (r Requirement) holdsProduct(ctx context.Context, storage Storage, sub *Subscription) (bool, error) {
	for _, priceID := range sub.PriceIDs() {
		price, err := storage.GetPrice(ctx, priceID)
		if errors.Is(err, ErrPriceNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to resolve price %s: %w", priceID, err)
		}
		for _, id := range r.ProductIDs {
			if price.ProductID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

func containsStatus(statuses []SubscriptionStatus, s SubscriptionStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
