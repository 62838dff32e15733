package api

import (
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// PricingResponse is the public catalog: active products that have at least
// one active price.
type PricingResponse struct {
	Products  []ProductPricing          `json:"products"`
	Intervals []subsync.BillingInterval `json:"intervals"` // recurring intervals present, shortest first
}

// ProductPricing is a product with its active prices, cheapest first
type ProductPricing struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Image       string            `json:"image,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Prices      []PriceView       `json:"prices,omitempty"`
}

// PriceView is the client-facing part of a price
type PriceView struct {
	ID              string                  `json:"id"`
	ProductID       string                  `json:"product_id"`
	Currency        string                  `json:"currency"`
	UnitAmount      int64                   `json:"unit_amount"` // minor units
	Type            subsync.PriceType       `json:"type"`
	Interval        subsync.BillingInterval `json:"interval,omitempty"`
	IntervalCount   int64                   `json:"interval_count,omitempty"`
	TrialPeriodDays int64                   `json:"trial_period_days,omitempty"`
}

// SubscriptionResponse is the caller's current entitled subscription
type SubscriptionResponse struct {
	ID                string                     `json:"id"`
	Status            subsync.SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd bool                       `json:"cancel_at_period_end"`
	CurrentPeriodEnd  time.Time                  `json:"current_period_end"`
	TrialEnd          *time.Time                 `json:"trial_end,omitempty"`
	Price             *PriceView                 `json:"price,omitempty"`
	Product           *ProductPricing            `json:"product,omitempty"`
}

// CheckoutRequest is the body of POST /api/checkout
type CheckoutRequest struct {
	PriceID string `json:"price_id" validate:"required,max=255"`
}

// URLResponse carries a redirect target for checkout and portal sessions
type URLResponse struct {
	URL string `json:"url"`
}
