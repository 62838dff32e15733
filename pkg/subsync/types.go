package subsync

import "time"

// SubscriptionStatus mirrors the billing provider's subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusPaused            SubscriptionStatus = "paused"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

// PaymentIntentStatus is the local view of a payment attempt.
type PaymentIntentStatus string

const (
	PaymentIntentStatusCreated        PaymentIntentStatus = "created"
	PaymentIntentStatusProcessing     PaymentIntentStatus = "processing"
	PaymentIntentStatusRequiresAction PaymentIntentStatus = "requires_action"
	PaymentIntentStatusSucceeded      PaymentIntentStatus = "succeeded"
	PaymentIntentStatusFailed         PaymentIntentStatus = "failed"
)

// PriceType distinguishes recurring prices from one-time charges.
type PriceType string

const (
	PriceTypeOneTime   PriceType = "one_time"
	PriceTypeRecurring PriceType = "recurring"
)

// BillingInterval is the recurring interval of a price. Empty for one-time prices.
type BillingInterval string

const (
	IntervalDay   BillingInterval = "day"
	IntervalWeek  BillingInterval = "week"
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Product is a catalog item synchronized from the billing provider.
type Product struct {
	ID          string            `json:"id" validate:"required"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Active      bool              `json:"active"`
	Image       string            `json:"image,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at" validate:"required"`
}

// Price belongs to a Product.
type Price struct {
	ID              string            `json:"id" validate:"required"`
	ProductID       string            `json:"product_id" validate:"required"`
	Active          bool              `json:"active"`
	Currency        string            `json:"currency" validate:"required,len=3"`
	UnitAmount      int64             `json:"unit_amount" validate:"gte=0"`
	Type            PriceType         `json:"type" validate:"required,oneof=one_time recurring"`
	Interval        BillingInterval   `json:"interval,omitempty" validate:"omitempty,oneof=day week month year"`
	IntervalCount   int64             `json:"interval_count,omitempty"`
	TrialPeriodDays int64             `json:"trial_period_days,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at" validate:"required"`
}

// Address is a postal address attached to billing details.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// BillingDetails is copied from the default payment method when a subscription
// is first activated. It is local bookkeeping and never overwritten by
// customer payloads.
type BillingDetails struct {
	Name              string   `json:"name,omitempty"`
	Email             string   `json:"email,omitempty"`
	Phone             string   `json:"phone,omitempty"`
	Address           *Address `json:"address,omitempty"`
	PaymentMethodID   string   `json:"payment_method_id,omitempty"`
	PaymentMethodType string   `json:"payment_method_type,omitempty"`
}

// Customer maps a local user identity to a billing provider customer (1:1).
type Customer struct {
	ID             string          `json:"id" validate:"required"`
	UserID         string          `json:"user_id,omitempty"`
	Email          string          `json:"email,omitempty"`
	Name           string          `json:"name,omitempty"`
	BillingDetails *BillingDetails `json:"billing_details,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at" validate:"required"`
}

// SubscriptionItem references one Price on a subscription.
type SubscriptionItem struct {
	PriceID  string `json:"price_id" validate:"required"`
	Quantity int64  `json:"quantity"`
}

// Subscription belongs to a Customer and references one or more Prices.
type Subscription struct {
	ID                 string             `json:"id" validate:"required"`
	CustomerID         string             `json:"customer_id" validate:"required"`
	UserID             string             `json:"user_id,omitempty"`
	Status             SubscriptionStatus `json:"status" validate:"required,oneof=trialing active past_due canceled unpaid paused incomplete incomplete_expired"`
	Items              []SubscriptionItem `json:"items" validate:"dive"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	Created            time.Time          `json:"created"`
	CancelAt           *time.Time         `json:"cancel_at,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	EndedAt            *time.Time         `json:"ended_at,omitempty"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at" validate:"required"`
}

// PriceIDs returns the price ids referenced by the subscription items.
func (s *Subscription) PriceIDs() []string {
	ids := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		ids = append(ids, item.PriceID)
	}
	return ids
}

// IsEntitled reports whether the status grants access to paid features.
func (s SubscriptionStatus) IsEntitled() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing
}

// PaymentIntent is a single payment attempt.
type PaymentIntent struct {
	ID         string              `json:"id" validate:"required"`
	CustomerID string              `json:"customer_id,omitempty"`
	Status     PaymentIntentStatus `json:"status" validate:"required,oneof=created processing requires_action succeeded failed"`
	Amount     int64               `json:"amount" validate:"gte=0"`
	Currency   string              `json:"currency" validate:"required,len=3"`
	UpdatedAt  time.Time           `json:"updated_at" validate:"required"`
}
