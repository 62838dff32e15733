// Package storagetest holds the behavioral test suite every subsync.Storage
// backend must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Factory returns an empty storage for one subtest.
type Factory func(t *testing.T) subsync.Storage

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against storages built by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Run("ProductLifecycle", func(t *testing.T) { testProductLifecycle(t, newStorage(t)) })
	t.Run("StaleWriteGuard", func(t *testing.T) { testStaleWriteGuard(t, newStorage(t)) })
	t.Run("PriceRequiresProduct", func(t *testing.T) { testPriceRequiresProduct(t, newStorage(t)) })
	t.Run("ProductDeleteCascades", func(t *testing.T) { testProductDeleteCascades(t, newStorage(t)) })
	t.Run("CustomerByUserID", func(t *testing.T) { testCustomerByUserID(t, newStorage(t)) })
	t.Run("UserMappedOnce", func(t *testing.T) { testUserMappedOnce(t, newStorage(t)) })
	t.Run("SubscriptionRoundTrip", func(t *testing.T) { testSubscriptionRoundTrip(t, newStorage(t)) })
	t.Run("SubscriptionRequiresCustomer", func(t *testing.T) { testSubscriptionRequiresCustomer(t, newStorage(t)) })
	t.Run("CustomerDeleteCascades", func(t *testing.T) { testCustomerDeleteCascades(t, newStorage(t)) })
	t.Run("PaymentIntent", func(t *testing.T) { testPaymentIntent(t, newStorage(t)) })
}

// Product returns a valid product stamped at base+offset.
func Product(id string, offset time.Duration) *subsync.Product {
	return &subsync.Product{
		ID:          id,
		Name:        "Pro",
		Description: "Everything",
		Active:      true,
		Metadata:    map[string]string{"tier": "pro"},
		UpdatedAt:   base.Add(offset),
	}
}

// Price returns a valid monthly price for productID.
func Price(id, productID string, offset time.Duration) *subsync.Price {
	return &subsync.Price{
		ID:            id,
		ProductID:     productID,
		Active:        true,
		Currency:      "usd",
		UnitAmount:    1500,
		Type:          subsync.PriceTypeRecurring,
		Interval:      subsync.IntervalMonth,
		IntervalCount: 1,
		UpdatedAt:     base.Add(offset),
	}
}

// Customer returns a customer mapped to userID.
func Customer(id, userID string, offset time.Duration) *subsync.Customer {
	return &subsync.Customer{
		ID:        id,
		UserID:    userID,
		Email:     userID + "@example.com",
		UpdatedAt: base.Add(offset),
	}
}

// Subscription returns an active subscription owned by customerID.
func Subscription(id, customerID, userID string, offset time.Duration) *subsync.Subscription {
	return &subsync.Subscription{
		ID:                 id,
		CustomerID:         customerID,
		UserID:             userID,
		Status:             subsync.SubscriptionStatusActive,
		Items:              []subsync.SubscriptionItem{{PriceID: "price_1", Quantity: 1}},
		CurrentPeriodStart: base,
		CurrentPeriodEnd:   base.AddDate(0, 1, 0),
		Created:            base,
		UpdatedAt:          base.Add(offset),
	}
}

func testProductLifecycle(t *testing.T, s subsync.Storage) {
	ctx := context.Background()

	_, err := s.GetProduct(ctx, "prod_1")
	assert.ErrorIs(t, err, subsync.ErrProductNotFound)

	require.NoError(t, s.UpsertProduct(ctx, Product("prod_1", 0)))
	require.NoError(t, s.UpsertProduct(ctx, Product("prod_2", 0)))

	got, err := s.GetProduct(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, "Pro", got.Name)
	assert.True(t, got.Active)
	assert.Equal(t, "pro", got.Metadata["tier"])
	assert.True(t, base.Equal(got.UpdatedAt))

	list, err := s.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.DeleteProduct(ctx, "prod_1"))
	_, err = s.GetProduct(ctx, "prod_1")
	assert.ErrorIs(t, err, subsync.ErrProductNotFound)

	// Deleting twice, or something never stored, is a no-op
	assert.NoError(t, s.DeleteProduct(ctx, "prod_1"))
	assert.NoError(t, s.DeleteProduct(ctx, "prod_never"))
	assert.NoError(t, s.DeletePrice(ctx, "price_never"))
	assert.NoError(t, s.DeleteCustomer(ctx, "cus_never"))
}

func testStaleWriteGuard(t *testing.T, s subsync.Storage) {
	ctx := context.Background()

	require.NoError(t, s.UpsertProduct(ctx, Product("prod_1", time.Minute)))

	older := Product("prod_1", 0)
	older.Name = "Old"
	assert.ErrorIs(t, s.UpsertProduct(ctx, older), subsync.ErrStaleWrite)

	same := Product("prod_1", time.Minute)
	same.Name = "Same instant"
	assert.NoError(t, s.UpsertProduct(ctx, same), "equal timestamps must be applied")

	newer := Product("prod_1", 2*time.Minute)
	newer.Name = "Newer"
	newer.Active = false
	require.NoError(t, s.UpsertProduct(ctx, newer))

	got, err := s.GetProduct(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, "Newer", got.Name)
	assert.False(t, got.Active)

	require.NoError(t, s.UpsertCustomer(ctx, Customer("cus_1", "user_1", time.Minute)))
	assert.ErrorIs(t, s.UpsertCustomer(ctx, Customer("cus_1", "user_1", 0)), subsync.ErrStaleWrite)

	require.NoError(t, s.UpsertSubscription(ctx, Subscription("sub_1", "cus_1", "user_1", time.Minute)))
	assert.ErrorIs(t, s.UpsertSubscription(ctx, Subscription("sub_1", "cus_1", "user_1", 0)), subsync.ErrStaleWrite)
}

func testPriceRequiresProduct(t *testing.T, s subsync.Storage) {
	ctx := context.Background()

	assert.ErrorIs(t, s.UpsertPrice(ctx, Price("price_1", "prod_missing", 0)), subsync.ErrProductNotFound)

	require.NoError(t, s.UpsertProduct(ctx, Product("prod_1", 0)))
	require.NoError(t, s.UpsertPrice(ctx, Price("price_1", "prod_1", 0)))

	got, err := s.GetPrice(ctx, "price_1")
	require.NoError(t, err)
	assert.Equal(t, "prod_1", got.ProductID)
	assert.Equal(t, int64(1500), got.UnitAmount)
	assert.Equal(t, subsync.IntervalMonth, got.Interval)

	_, err = s.GetPrice(ctx, "price_2")
	assert.ErrorIs(t, err, subsync.ErrPriceNotFound)

	require.NoError(t, s.DeletePrice(ctx, "price_1"))
	_, err = s.GetPrice(ctx, "price_1")
	assert.ErrorIs(t, err, subsync.ErrPriceNotFound)
}

func testProductDeleteCascades(t *testing.T, s subsync.Storage) {
	ctx := context.Background()

	require.NoError(t, s.UpsertProduct(ctx, Product("prod_1", 0)))
	require.NoError(t, s.UpsertProduct(ctx, Product("prod_2", 0)))
	require.NoError(t, s.UpsertPrice(ctx, Price("price_1", "prod_1", 0)))
	require.NoError(t, s.UpsertPrice(ctx, Price("price_2", "prod_1", 0)))
	require.NoError(t, s.UpsertPrice(ctx, Price("price_3", "prod_2", 0)))

	require.NoError(t, s.DeleteProduct(ctx, "prod_1"))

	prices, err := s.ListPrices(ctx)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, "price_3", prices[0].ID)
}

func testCustomerByUserID(t *testing.T, s subsync.Storage) {
	ctx := context.Background()

	_, err := s.GetCustomerByUserID(ctx, "user_1")
	assert.ErrorIs(t, err, subsync.ErrCustomerNotFound)

	cust := Customer("cus_1", "user_1", 0)
	cust.BillingDetails = &subsync.BillingDetails{
		Name:            "Ada Lovelace",
		PaymentMethodID: "pm_1",
		Address:         &subsync.Address{City: "London", Country: "GB"},
	}
	require.NoError(t, s.UpsertCustomer(ctx, cust))

	got, err := s.GetCustomerByUserID(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", got.ID)
	require.NotNil(t, got.BillingDetails)
	assert.Equal(t, "Ada Lovelace", got.BillingDetails.Name)
	require.NotNil(t, got.BillingDetails.Address)
	assert.Equal(t, "London", got.BillingDetails.Address.City)

	byID, err := s.GetCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1@example.com", byID.Email)

	// Customers created outside checkout have no user mapping
	require.NoError(t, s.UpsertCustomer(ctx, Customer("cus_2", "", 0)))
	_, err = s.GetCustomerByUserID(ctx, "")
	assert.ErrorIs(t, err, subsync.ErrCustomerNotFound)
}

func testUserMappedOnce(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	require.NoError(t, s.UpsertCustomer(ctx, Customer("cus_1", "user_1", 0)))

	err := s.UpsertCustomer(ctx, Customer("cus_2", "user_1", time.Minute))
	assert.ErrorIs(t, err, subsync.ErrUserAlreadyMapped)
	_, err = s.GetCustomer(ctx, "cus_2")
	assert.ErrorIs(t, err, subsync.ErrCustomerNotFound)

	// The owner itself may be rewritten
	require.NoError(t, s.UpsertCustomer(ctx, Customer("cus_1", "user_1", time.Minute)))

	// Any number of customers may be unmapped
	require.NoError(t, s.UpsertCustomer(ctx, Customer("cus_2", "", 0)))
	require.NoError(t, s.UpsertCustomer(ctx, Customer("cus_3", "", 0)))

	got, err := s.GetCustomerByUserID(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", got.ID)
}

func testSubscriptionRoundTrip(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	require.NoError(t, s.UpsertCustomer(ctx, Customer("cus_1", "user_1", 0)))

	trialEnd := base.AddDate(0, 0, 14)
	sub := Subscription("sub_1", "cus_1", "user_1", 0)
	sub.Status = subsync.SubscriptionStatusTrialing
	sub.TrialEnd = &trialEnd
	sub.CancelAtPeriodEnd = true
	sub.Metadata = map[string]string{"plan": "pro"}
	sub.Items = append(sub.Items, subsync.SubscriptionItem{PriceID: "price_seat", Quantity: 3})
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	require.NoError(t, s.UpsertSubscription(ctx, Subscription("sub_2", "cus_1", "user_1", 0)))

	got, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.SubscriptionStatusTrialing, got.Status)
	assert.Equal(t, "user_1", got.UserID)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.Equal(t, []string{"price_1", "price_seat"}, got.PriceIDs())
	assert.Equal(t, int64(3), got.Items[1].Quantity)
	assert.True(t, sub.CurrentPeriodEnd.Equal(got.CurrentPeriodEnd))
	require.NotNil(t, got.TrialEnd)
	assert.True(t, trialEnd.Equal(*got.TrialEnd))
	assert.Nil(t, got.CanceledAt)
	assert.Equal(t, "pro", got.Metadata["plan"])

	_, err = s.GetSubscription(ctx, "sub_missing")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	subs, err := s.ListSubscriptionsByUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	none, err := s.ListSubscriptionsByUser(ctx, "user_2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSubscriptionRequiresCustomer(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	err := s.UpsertSubscription(ctx, Subscription("sub_1", "cus_missing", "user_1", 0))
	assert.ErrorIs(t, err, subsync.ErrCustomerNotFound)
}

func testCustomerDeleteCascades(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	require.NoError(t, s.UpsertCustomer(ctx, Customer("cus_1", "user_1", 0)))
	require.NoError(t, s.UpsertCustomer(ctx, Customer("cus_2", "user_2", 0)))
	require.NoError(t, s.UpsertSubscription(ctx, Subscription("sub_1", "cus_1", "user_1", 0)))
	require.NoError(t, s.UpsertSubscription(ctx, Subscription("sub_2", "cus_2", "user_2", 0)))

	require.NoError(t, s.DeleteCustomer(ctx, "cus_1"))

	_, err := s.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
	_, err = s.GetSubscription(ctx, "sub_2")
	assert.NoError(t, err)
	_, err = s.GetCustomerByUserID(ctx, "user_1")
	assert.ErrorIs(t, err, subsync.ErrCustomerNotFound)
}

func testPaymentIntent(t *testing.T, s subsync.Storage) {
	ctx := context.Background()

	_, err := s.GetPaymentIntent(ctx, "pi_1")
	assert.ErrorIs(t, err, subsync.ErrPaymentIntentNotFound)

	pi := &subsync.PaymentIntent{
		ID:         "pi_1",
		CustomerID: "cus_1",
		Status:     subsync.PaymentIntentStatusProcessing,
		Amount:     4200,
		Currency:   "eur",
		UpdatedAt:  base,
	}
	require.NoError(t, s.UpsertPaymentIntent(ctx, pi))

	done := *pi
	done.Status = subsync.PaymentIntentStatusSucceeded
	done.UpdatedAt = base.Add(time.Second)
	require.NoError(t, s.UpsertPaymentIntent(ctx, &done))
	assert.ErrorIs(t, s.UpsertPaymentIntent(ctx, pi), subsync.ErrStaleWrite)

	got, err := s.GetPaymentIntent(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.PaymentIntentStatusSucceeded, got.Status)
	assert.Equal(t, int64(4200), got.Amount)
}
