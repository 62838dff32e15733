package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SeedProduct is the product SeedSubscriber's subscriptions are for.
const SeedProduct = "prod_pro"

// SeedSubscriber stores the catalog entry price_1 of SeedProduct, a customer
// for userID and a subscription to price_1 in the given status.
func SeedSubscriber(t *testing.T, s subsync.Storage, userID string, status subsync.SubscriptionStatus) {
	t.Helper()
	ctx := context.Background()

	for _, err := range []error{
		s.UpsertProduct(ctx, Product(SeedProduct, 0)),
		s.UpsertPrice(ctx, Price("price_1", SeedProduct, 0)),
		s.UpsertCustomer(ctx, Customer("cus_"+userID, userID, 0)),
	} {
		if err != nil && !errors.Is(err, subsync.ErrStaleWrite) {
			require.NoError(t, err)
		}
	}

	sub := Subscription("sub_"+userID, "cus_"+userID, userID, 0)
	sub.Status = status
	require.NoError(t, s.UpsertSubscription(ctx, sub))
}

// FailingStorage fails every subscription listing with Err.
type FailingStorage struct {
	subsync.Storage
	Err error
}

func (f *FailingStorage) ListSubscriptionsByUser(_ context.Context, _ string) ([]*subsync.Subscription, error) {
	return nil, f.Err
}
