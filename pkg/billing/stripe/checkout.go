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

// CheckoutURL creates a Stripe Checkout Session for priceID and returns its URL.
// Recurring prices open a subscription-mode session (with the price's trial
// days), one-time prices a payment-mode session. The user's customer is
// created on first use and its mapping stored before the session is created.
func (p *Provider) CheckoutURL(ctx context.Context, userID, email, priceID, successURL, cancelURL string) (string, error) {
	api, err := p.requireAPI()
	if err != nil {
		return "", err
	}

	price, err := p.storage.GetPrice(ctx, priceID)
	if err != nil {
		return "", fmt.Errorf("checkout price %s: %w", priceID, err)
	}
	if !price.Active {
		return "", fmt.Errorf("%w: %s", billing.ErrPriceInactive, priceID)
	}

	customerID, err := p.ensureCustomer(ctx, api, userID, email)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Customer:                 stripe.String(customerID),
		ClientReferenceID:        stripe.String(userID),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionRequired)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata:   map[string]string{metadataUserID: userID},
	}
	if p.config.AllowPromotionCodes {
		params.AllowPromotionCodes = stripe.Bool(true)
	}

	if price.Type == subsync.PriceTypeRecurring {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{metadataUserID: userID},
		}
		if price.TrialPeriodDays > 0 {
			params.SubscriptionData.TrialPeriodDays = stripe.Int64(price.TrialPeriodDays)
		}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
	}

	session, err := api.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	p.logger.Info("checkout session created",
		subsync.Field{Key: "user_id", Value: userID},
		subsync.Field{Key: "customer_id", Value: customerID},
		subsync.Field{Key: "price_id", Value: priceID},
		subsync.Field{Key: "mode", Value: *params.Mode},
	)
	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// The user must already have a customer.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	api, err := p.requireAPI()
	if err != nil {
		return "", err
	}

	customer, err := p.storage.GetCustomerByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("portal for user %s: %w", userID, err)
	}

	session, err := api.CreatePortalSession(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customer.ID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return session.URL, nil
}

// ensureCustomer returns the user's customer id, creating the Stripe
// customer and its local mapping when the user has none. Concurrent calls
// for one user share a single creation. A mapping stored meanwhile by
// another process wins; the customer created here is left unmapped.
func (p *Provider) ensureCustomer(ctx context.Context, api API, userID, email string) (string, error) {
	id, err, _ := p.customers.Do(userID, func() (interface{}, error) {
		return p.resolveCustomer(ctx, api, userID, email)
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

func (p *Provider) resolveCustomer(ctx context.Context, api API, userID, email string) (string, error) {
	existing, err := p.storage.GetCustomerByUserID(ctx, userID)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, subsync.ErrCustomerNotFound) {
		// Fail rather than risk a duplicate Stripe customer
		return "", fmt.Errorf("resolve customer for user %s: %w", userID, err)
	}

	params := &stripe.CustomerCreateParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(metadataUserID, userID)

	created, err := api.CreateCustomer(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create customer for user %s: %w", userID, err)
	}

	at := reconcileStamp(p.now())
	if created.Created != 0 {
		at = time.Unix(created.Created, 0).UTC()
	}
	record := &subsync.Customer{
		ID:        created.ID,
		UserID:    userID,
		Email:     created.Email,
		Name:      created.Name,
		UpdatedAt: at,
	}
	err = p.sync.write("customer", created.ID, record, func() error {
		return p.storage.UpsertCustomer(ctx, record)
	})
	if errors.Is(err, subsync.ErrUserAlreadyMapped) {
		mapped, lookupErr := p.storage.GetCustomerByUserID(ctx, userID)
		if lookupErr != nil {
			return "", fmt.Errorf("resolve customer for user %s: %w", userID, lookupErr)
		}
		p.logger.Warn("customer mapped concurrently, leaving created customer unmapped",
			subsync.Field{Key: "user_id", Value: userID},
			subsync.Field{Key: "customer_id", Value: mapped.ID},
			subsync.Field{Key: "unmapped_customer_id", Value: created.ID},
		)
		return mapped.ID, nil
	}
	if err != nil {
		return "", err
	}

	p.logger.Info("customer created",
		subsync.Field{Key: "user_id", Value: userID},
		subsync.Field{Key: "customer_id", Value: created.ID},
	)
	return created.ID, nil
}
