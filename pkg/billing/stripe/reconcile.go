package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// ReconcileCatalog lists every product and price from Stripe and upserts
// them, products first so prices find their owner. Records are stamped with
// reconcileStamp of the start time. Individual record failures are collected;
// the run continues past them.
func (p *Provider) ReconcileCatalog(ctx context.Context) error {
	start := p.now()
	api, err := p.requireAPI()
	if err != nil {
		return err
	}

	var (
		products []*stripe.Product
		prices   []*stripe.Price
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = api.ListProducts(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		prices, err = api.ListPrices(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		p.finishReconcile("catalog", start, err)
		return fmt.Errorf("list catalog: %w", err)
	}

	at := reconcileStamp(start)
	var errs []error
	for _, product := range products {
		if err := p.sync.UpsertProduct(ctx, product, at); err != nil {
			errs = append(errs, err)
		}
	}
	for _, price := range prices {
		if err := p.sync.UpsertPrice(ctx, price, at); err != nil {
			errs = append(errs, err)
		}
	}

	err = errors.Join(errs...)
	p.finishReconcile("catalog", start, err)
	p.logger.Info("catalog reconciled",
		subsync.Field{Key: "products", Value: len(products)},
		subsync.Field{Key: "prices", Value: len(prices)},
		subsync.Field{Key: "failures", Value: len(errs)},
	)
	return err
}

// SyncCustomer re-reads every subscription of the user's customer from
// Stripe. It never fires activation side effects.
func (p *Provider) SyncCustomer(ctx context.Context, userID string) error {
	start := p.now()
	api, err := p.requireAPI()
	if err != nil {
		return err
	}

	customer, err := p.storage.GetCustomerByUserID(ctx, userID)
	if err != nil {
		p.finishReconcile("customer", start, err)
		return fmt.Errorf("sync user %s: %w", userID, err)
	}

	subs, err := api.ListCustomerSubscriptions(ctx, customer.ID)
	if err != nil {
		p.finishReconcile("customer", start, err)
		return fmt.Errorf("list subscriptions for %s: %w", customer.ID, err)
	}

	at := reconcileStamp(start)
	var errs []error
	for _, sub := range subs {
		if err := p.sync.UpsertSubscription(ctx, sub, false, "reconcile", at); err != nil {
			errs = append(errs, err)
		}
	}
	err = errors.Join(errs...)
	p.finishReconcile("customer", start, err)
	return err
}

// reconcileStamp puts a write of state read from the API just below the
// whole second the read started in. Event timestamps are whole seconds, so an
// event created in that second or later still replaces what was stored.
func reconcileStamp(start time.Time) time.Time {
	return start.UTC().Truncate(time.Second).Add(-time.Microsecond)
}

func (p *Provider) finishReconcile(kind string, start time.Time, err error) {
	status := syncSuccess
	if err != nil {
		status = syncError
		p.logger.Error("reconcile failed",
			subsync.Field{Key: "kind", Value: kind},
			subsync.ErrorField(err),
		)
	}
	p.metrics.RecordReconcile(providerName, kind, status)
	p.metrics.RecordReconcileDuration(providerName, kind, p.now().Sub(start))
}
