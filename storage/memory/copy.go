package memory

import (
	"maps"
	"slices"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Records are copied on the way in and out so callers never share memory with the store.

func copyProduct(p *subsync.Product) *subsync.Product {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

func copyPrice(p *subsync.Price) *subsync.Price {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

func copyCustomer(cust *subsync.Customer) *subsync.Customer {
	c := *cust
	if cust.BillingDetails != nil {
		bd := *cust.BillingDetails
		if bd.Address != nil {
			addr := *bd.Address
			bd.Address = &addr
		}
		c.BillingDetails = &bd
	}
	return &c
}

func copySubscription(sub *subsync.Subscription) *subsync.Subscription {
	c := *sub
	c.Items = slices.Clone(sub.Items)
	c.Metadata = maps.Clone(sub.Metadata)
	c.CancelAt = copyTime(sub.CancelAt)
	c.CanceledAt = copyTime(sub.CanceledAt)
	c.EndedAt = copyTime(sub.EndedAt)
	c.TrialStart = copyTime(sub.TrialStart)
	c.TrialEnd = copyTime(sub.TrialEnd)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
