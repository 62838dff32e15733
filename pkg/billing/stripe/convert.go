package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const metadataUserID = "user_id"

// decode unmarshals the event's data object into v.
func decode(event *stripe.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data object", billing.ErrInvalidPayload, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: event %s: %v", billing.ErrInvalidPayload, event.ID, err)
	}
	return nil
}

func eventTime(event *stripe.Event) time.Time {
	return time.Unix(event.Created, 0).UTC()
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func toProduct(p *stripe.Product, at time.Time) *subsync.Product {
	product := &subsync.Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Active:      p.Active,
		Metadata:    p.Metadata,
		UpdatedAt:   at,
	}
	if len(p.Images) > 0 {
		product.Image = p.Images[0]
	}
	return product
}

func toPrice(p *stripe.Price, at time.Time) *subsync.Price {
	price := &subsync.Price{
		ID:         p.ID,
		Active:     p.Active,
		Currency:   strings.ToLower(string(p.Currency)),
		UnitAmount: p.UnitAmount,
		Type:       subsync.PriceType(p.Type),
		Metadata:   p.Metadata,
		UpdatedAt:  at,
	}
	if p.Product != nil {
		price.ProductID = p.Product.ID
	}
	if p.Recurring != nil {
		price.Interval = subsync.BillingInterval(p.Recurring.Interval)
		price.IntervalCount = p.Recurring.IntervalCount
		price.TrialPeriodDays = p.Recurring.TrialPeriodDays
	}
	return price
}

// toCustomer maps provider fields. UserID and BillingDetails are local and
// carried over from stored when present.
func toCustomer(c *stripe.Customer, stored *subsync.Customer, at time.Time) *subsync.Customer {
	customer := &subsync.Customer{
		ID:        c.ID,
		Email:     c.Email,
		Name:      c.Name,
		UpdatedAt: at,
	}
	if stored != nil {
		customer.UserID = stored.UserID
		customer.BillingDetails = stored.BillingDetails
	}
	if uid := c.Metadata[metadataUserID]; uid != "" && customer.UserID == "" {
		customer.UserID = uid
	}
	return customer
}

func toSubscription(s *stripe.Subscription, userID string, at time.Time) *subsync.Subscription {
	sub := &subsync.Subscription{
		ID:                s.ID,
		UserID:            userID,
		Status:            subsync.SubscriptionStatus(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Created:           unixTime(s.Created),
		CancelAt:          unixPtr(s.CancelAt),
		CanceledAt:        unixPtr(s.CanceledAt),
		EndedAt:           unixPtr(s.EndedAt),
		TrialStart:        unixPtr(s.TrialStart),
		TrialEnd:          unixPtr(s.TrialEnd),
		Metadata:          s.Metadata,
		UpdatedAt:         at,
	}
	if s.Customer != nil {
		sub.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			sub.Items = append(sub.Items, subsync.SubscriptionItem{
				PriceID:  item.Price.ID,
				Quantity: item.Quantity,
			})
			// Billing periods live on items; the subscription spans all of them
			start, end := unixTime(item.CurrentPeriodStart), unixTime(item.CurrentPeriodEnd)
			if !start.IsZero() && (sub.CurrentPeriodStart.IsZero() || start.Before(sub.CurrentPeriodStart)) {
				sub.CurrentPeriodStart = start
			}
			if end.After(sub.CurrentPeriodEnd) {
				sub.CurrentPeriodEnd = end
			}
		}
	}
	return sub
}

func toPaymentIntent(pi *stripe.PaymentIntent, status subsync.PaymentIntentStatus, at time.Time) *subsync.PaymentIntent {
	record := &subsync.PaymentIntent{
		ID:        pi.ID,
		Status:    status,
		Amount:    pi.Amount,
		Currency:  strings.ToLower(string(pi.Currency)),
		UpdatedAt: at,
	}
	if pi.Customer != nil {
		record.CustomerID = pi.Customer.ID
	}
	return record
}

// billingDetailsFrom returns nil when the payment method carries no billing details.
func billingDetailsFrom(pm *stripe.PaymentMethod) *subsync.BillingDetails {
	if pm == nil || pm.BillingDetails == nil {
		return nil
	}
	bd := pm.BillingDetails
	details := &subsync.BillingDetails{
		Name:              bd.Name,
		Email:             bd.Email,
		Phone:             bd.Phone,
		PaymentMethodID:   pm.ID,
		PaymentMethodType: string(pm.Type),
	}
	if bd.Address != nil {
		details.Address = &subsync.Address{
			Line1:      bd.Address.Line1,
			Line2:      bd.Address.Line2,
			City:       bd.Address.City,
			State:      bd.Address.State,
			PostalCode: bd.Address.PostalCode,
			Country:    bd.Address.Country,
		}
	}
	return details
}

// paymentIntentStatus derives the local status from the event that reported it.
func paymentIntentStatus(kind EventKind) subsync.PaymentIntentStatus {
	//exhaustive:ignore
	switch kind {
	case KindPaymentIntentSucceeded:
		return subsync.PaymentIntentStatusSucceeded
	case KindPaymentIntentProcessing:
		return subsync.PaymentIntentStatusProcessing
	case KindPaymentIntentRequiresAction:
		return subsync.PaymentIntentStatusRequiresAction
	case KindPaymentIntentPaymentFailed:
		return subsync.PaymentIntentStatusFailed
	default:
		return subsync.PaymentIntentStatusCreated
	}
}
